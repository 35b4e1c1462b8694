package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"custodian/cmd/identity"
)

// Cursor is a position in the (block_num, user_id) ordering of the feed.
// The zero UserID sorts before every row of its block.
type Cursor struct {
	BlockNum int64
	UserID   string
}

// After reports whether row sorts strictly after c.
func (c Cursor) After(row identity.LedgerUser) bool {
	if row.BlockNum != c.BlockNum {
		return row.BlockNum > c.BlockNum
	}
	return row.UserID > c.UserID
}

func cursorOf(row identity.LedgerUser) Cursor {
	return Cursor{BlockNum: row.BlockNum, UserID: row.UserID}
}

// Source yields ledger rows ordered by (block_num, user_id).
type Source interface {
	// Fetch returns at most limit rows sorting after the cursor, ascending.
	Fetch(ctx context.Context, after Cursor, limit int) ([]identity.LedgerUser, error)
}

// Sink is where replicated rows land.
type Sink interface {
	UpsertLedgerUsers(ctx context.Context, rows []identity.LedgerUser, now time.Time) (int, error)
	LedgerWatermark(ctx context.Context) (int64, error)
}

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresSource reads the upstream users table.
type PostgresSource struct {
	pool  *pgxpool.Pool
	table pgx.Identifier
}

// NewPostgresSource reads from table, given as "name" or "schema.name".
func NewPostgresSource(pool *pgxpool.Pool, table string) (*PostgresSource, error) {
	if pool == nil {
		return nil, errors.New("ledger: nil pool")
	}
	ident, err := parseTable(table)
	if err != nil {
		return nil, err
	}
	return &PostgresSource{pool: pool, table: ident}, nil
}

func parseTable(table string) (pgx.Identifier, error) {
	parts := strings.Split(strings.TrimSpace(table), ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("ledger: invalid source table %q", table)
	}
	for _, p := range parts {
		if !identRe.MatchString(p) {
			return nil, fmt.Errorf("ledger: invalid source table %q", table)
		}
	}
	return pgx.Identifier(parts), nil
}

func (s *PostgresSource) Fetch(ctx context.Context, after Cursor, limit int) ([]identity.LedgerUser, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, COALESCE("to", ''), COALESCE(recovery, ''), COALESCE(ts, 0),
		        COALESCE(log_addr, ''), block_num
		   FROM `+s.table.Sanitize()+`
		  WHERE (block_num, user_id) > ($1, $2)
		  ORDER BY block_num ASC, user_id ASC
		  LIMIT $3`,
		after.BlockNum, after.UserID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.LedgerUser
	for rows.Next() {
		var u identity.LedgerUser
		if err := rows.Scan(&u.UserID, &u.To, &u.Recovery, &u.Timestamp, &u.LogAddr, &u.BlockNum); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
