package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (<schema>.sessions).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore creates a Postgres-backed session store. An empty schema means "custodian".
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "custodian"
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, fmt.Errorf("session: invalid schema identifier %q", schema)
	}
	if pool == nil {
		return nil, errors.New("session: nil pool")
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

// Create inserts a new session row.
func (s *PostgresStore) Create(ctx context.Context, row Row) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table()+` (id, user_id, device_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, row.ID, row.UserID, row.DeviceID, row.CreatedAt, row.ExpiresAt)
	return err
}

// Get loads a session row by token hash.
func (s *PostgresStore) Get(ctx context.Context, id string) (Row, error) {
	var row Row

	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, device_id, created_at, expires_at
		FROM `+s.table()+`
		WHERE id = $1
	`, id).Scan(
		&row.ID,
		&row.UserID,
		&row.DeviceID,
		&row.CreatedAt,
		&row.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}

	return row, nil
}

// Extend updates expires_at for a still-active session.
func (s *PostgresStore) Extend(ctx context.Context, id string, now, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET expires_at = $3
		WHERE id = $1 AND expires_at > $2
	`, id, now, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "sessions"}.Sanitize()
}
