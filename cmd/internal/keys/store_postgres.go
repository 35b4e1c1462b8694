package keys

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

// PostgresStore implements Store over PostgreSQL (<schema>.keys).
//
// The pool is owned by the caller and never closed here.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the schema holding the keys table (default "custodian").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("keys: invalid schema identifier %q", schema)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "custodian"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("keys: nil pool")
	}
	return st, nil
}

const selectColumns = `user_id, custody_address, device_id, public_key, encrypted_private_key, created_at, updated_at`

// FindByCustodyAddress returns the oldest record enrolled for a custody address.
func (s *PostgresStore) FindByCustodyAddress(ctx context.Context, custodyAddress string) (Record, error) {
	return s.queryOne(ctx, `WHERE custody_address = $1 ORDER BY created_at ASC LIMIT 1`, custodyAddress)
}

// FindByUser returns the oldest record of a user.
func (s *PostgresStore) FindByUser(ctx context.Context, userID string) (Record, error) {
	return s.queryOne(ctx, `WHERE user_id = $1 ORDER BY created_at ASC LIMIT 1`, userID)
}

// FindByUserDevice returns the record a session is bound to.
func (s *PostgresStore) FindByUserDevice(ctx context.Context, userID, deviceID string) (Record, error) {
	return s.queryOne(ctx, `WHERE user_id = $1 AND device_id = $2 ORDER BY created_at ASC LIMIT 1`, userID, deviceID)
}

// FindByCustodyDevice returns the record for a device enrolled under a custody address.
func (s *PostgresStore) FindByCustodyDevice(ctx context.Context, custodyAddress, deviceID string) (Record, error) {
	return s.queryOne(ctx, `WHERE custody_address = $1 AND device_id = $2`, custodyAddress, deviceID)
}

func (s *PostgresStore) queryOne(ctx context.Context, where string, args ...any) (Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM `+s.table()+` `+where,
		args...,
	).Scan(
		&rec.UserID,
		&rec.CustodyAddress,
		&rec.DeviceID,
		&rec.PublicKey,
		&rec.EncryptedPrivateKey,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Insert adds a new record. Concurrent inserts for the same key are
// serialized by the primary key and the (custody_address, device_id) unique constraint.
func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	now := rec.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (
		     user_id, custody_address, device_id, public_key, encrypted_private_key, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		rec.UserID,
		rec.CustodyAddress,
		rec.DeviceID,
		rec.PublicKey,
		rec.EncryptedPrivateKey,
		now,
	)
	switch {
	case err == nil:
		return nil
	case pgIsUniqueViolation(err):
		return ErrDuplicateKey
	case pgIsForeignKeyViolation(err):
		return ErrUnknownUser
	default:
		return err
	}
}

// UpdateEncryptedKey replaces the ciphertext of one record.
func (s *PostgresStore) UpdateEncryptedKey(ctx context.Context, ref Ref, ciphertext []byte, now time.Time) error {
	if len(ciphertext) == 0 {
		return ErrInvalidRecord
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET encrypted_private_key = $4, updated_at = $5
		  WHERE user_id = $1 AND custody_address = $2 AND device_id = $3`,
		ref.UserID, ref.CustodyAddress, ref.DeviceID, ciphertext, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "keys"}.Sanitize()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
