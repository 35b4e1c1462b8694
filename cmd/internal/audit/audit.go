// Package audit records security-relevant actions in <schema>.audit_log.
//
// Recording is best effort: failures are logged and never surface to callers.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"custodian/cmd/identity/ids"
)

// Actions written by the HTTP and stream surfaces.
const (
	ActionProvisionEnroll    = "provision.enroll"
	ActionProvisionReturning = "provision.returning"
	ActionProvisionResume    = "provision.resume"
	ActionProvisionFailed    = "provision.failed"
	ActionProvisionLimited   = "provision.rate_limited"
	ActionSignBatch          = "sign.batch"
	ActionSignFailed         = "sign.failed"
	ActionSessionRenew       = "session.renew"
)

// Event is one audit row. SessionID is the stored (hashed) session id, never the token.
type Event struct {
	Action    string
	UserID    string
	SessionID string
	IP        net.IP
	UserAgent string
	Meta      map[string]any
}

// Recorder persists events.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Nop discards events. Used in memory mode.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresRecorder inserts events into <schema>.audit_log.
type PostgresRecorder struct {
	pool  *pgxpool.Pool
	table string
	log   *slog.Logger
	now   func() time.Time
}

// NewPostgresRecorder returns a recorder writing to schema (default "custodian").
func NewPostgresRecorder(pool *pgxpool.Pool, schema string, log *slog.Logger) (*PostgresRecorder, error) {
	if pool == nil {
		return nil, errors.New("audit: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "custodian"
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, fmt.Errorf("audit: invalid schema identifier %q", schema)
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresRecorder{
		pool:  pool,
		table: pgx.Identifier{schema, "audit_log"}.Sanitize(),
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *PostgresRecorder) Record(ctx context.Context, ev Event) {
	if r == nil {
		return
	}
	row, ok := toRow(ev, r.now())
	if !ok {
		return
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO `+r.table+` (
			id, user_id, session_id, action, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
	`, row.id, row.userID, row.sessionID, row.action, row.createdAt, row.ip, row.userAgent, row.meta)
	if err != nil {
		r.log.Error("audit.insert.fail", "err", err, "action", row.action)
	}
}

type row struct {
	id        string
	userID    any
	sessionID any
	action    string
	createdAt time.Time
	ip        any
	userAgent any
	meta      string
}

func toRow(ev Event, now time.Time) (row, bool) {
	action := strings.TrimSpace(ev.Action)
	if action == "" {
		return row{}, false
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return row{}, false
	}

	out := row{
		id:        id,
		userID:    trimOrNil(ev.UserID),
		sessionID: trimOrNil(ev.SessionID),
		action:    action,
		createdAt: now,
		userAgent: trimOrNil(ev.UserAgent),
		meta:      "{}",
	}
	if ev.IP != nil {
		out.ip = ev.IP.String()
	}
	if len(ev.Meta) > 0 {
		if b, err := json.Marshal(ev.Meta); err == nil {
			out.meta = string(b)
		}
	}
	return out, true
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}

// Memory keeps events in process. Used by tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Record(_ context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns a copy of recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Actions returns recorded actions in order.
func (m *Memory) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Action
	}
	return out
}
