package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pgx pool is owned by the caller; this store never closes it.
// Schema/table identifiers are quoted with pgx.Identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "custodian").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "custodian",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// UserForCustody resolves the owner of custodyAddress through the
// custody_accounts table. A new user row and its ownership row are written in
// one transaction; when another transaction claims the address first the
// insert is rolled back and the winner's user is returned.
func (s *PostgresStore) UserForCustody(ctx context.Context, now time.Time, custodyAddress string) (User, error) {
	const op = "identity.UserForCustody"

	custodyAddress = strings.TrimSpace(custodyAddress)
	if custodyAddress == "" {
		return User{}, invalid(op, "custody address is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if owner, err := s.custodyOwner(ctx, custodyAddress); err == nil {
		return s.GetUser(ctx, owner)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, err
	}

	id, err := NewULID(now)
	if err != nil {
		return User{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "users")+` (user_id, created_at, updated_at)
		 VALUES ($1, $2, $2)`,
		id, now,
	)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return User{}, ConflictError{Op: op, Field: "user_id"}
		}
		return User{}, err
	}

	// Blocks on a concurrent uncommitted claim and then reports zero rows.
	tag, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "custody_accounts")+` (custody_address, user_id, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (custody_address) DO NOTHING`,
		custodyAddress, id, now,
	)
	if err != nil {
		return User{}, err
	}
	if tag.RowsAffected() == 1 {
		if err := tx.Commit(ctx); err != nil {
			return User{}, err
		}
		return User{ID: id, CreatedAt: now, UpdatedAt: now}, nil
	}

	if err := tx.Rollback(ctx); err != nil {
		return User{}, err
	}
	owner, err := s.custodyOwner(ctx, custodyAddress)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "custody account"}
	}
	if err != nil {
		return User{}, err
	}
	return s.GetUser(ctx, owner)
}

func (s *PostgresStore) custodyOwner(ctx context.Context, custodyAddress string) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM `+pgIdent(s.schema, "custody_accounts")+` WHERE custody_address = $1`,
		custodyAddress,
	).Scan(&owner)
	return owner, err
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUser"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "user id is required")
	}

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, "to", recovery, ts, log_addr, block_num, created_at, updated_at
		   FROM `+pgIdent(s.schema, "users")+`
		  WHERE user_id = $1`,
		userID,
	).Scan(&u.ID, &u.To, &u.Recovery, &u.Timestamp, &u.LogAddr, &u.BlockNum, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// UpsertLedgerUsers applies rows in a single transaction.
func (s *PostgresStore) UpsertLedgerUsers(ctx context.Context, rows []LedgerUser, now time.Time) (int, error) {
	const op = "identity.UpsertLedgerUsers"

	if len(rows) == 0 {
		return 0, nil
	}
	if err := validateLedgerRows(op, rows); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO ` + pgIdent(s.schema, "users") + ` (
	          user_id, "to", recovery, ts, log_addr, block_num, created_at, updated_at
	        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	        ON CONFLICT (user_id) DO UPDATE SET
	          "to" = EXCLUDED."to",
	          recovery = EXCLUDED.recovery,
	          ts = EXCLUDED.ts,
	          log_addr = EXCLUDED.log_addr,
	          block_num = EXCLUDED.block_num,
	          updated_at = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(q, r.UserID, r.To, r.Recovery, r.Timestamp, r.LogAddr, r.BlockNum, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *PostgresStore) LedgerWatermark(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(block_num), 0) FROM `+pgIdent(s.schema, "users"),
	).Scan(&n)
	return n, err
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
