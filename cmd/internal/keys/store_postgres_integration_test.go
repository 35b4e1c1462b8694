package keys

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Integration tests are enabled when CUSTODIAN_DATABASE_URL is set.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresKeys_InsertFindUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	defer pool.Close()

	st, err := NewPostgresStore(pool)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	userID := newULID(t)
	mustCreateUser(ctx, t, pool, userID)
	t.Cleanup(func() { cleanupUserData(ctx, t, pool, userID) })

	custody := "c-" + userID
	rec := Record{
		UserID:              userID,
		CustodyAddress:      custody,
		DeviceID:            "dev-1",
		PublicKey:           "aa",
		EncryptedPrivateKey: []byte{1, 2, 3},
		CreatedAt:           time.Now().UTC(),
	}
	if err := st.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := st.Insert(ctx, rec); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	got, err := st.FindByCustodyAddress(ctx, custody)
	if err != nil {
		t.Fatalf("FindByCustodyAddress: %v", err)
	}
	if got.UserID != userID || got.DeviceID != "dev-1" {
		t.Fatalf("unexpected record: %+v", got)
	}

	if err := st.UpdateEncryptedKey(ctx, rec.Ref(), []byte{9, 9}, time.Now().UTC()); err != nil {
		t.Fatalf("UpdateEncryptedKey: %v", err)
	}
	got, err = st.FindByUserDevice(ctx, userID, "dev-1")
	if err != nil {
		t.Fatalf("FindByUserDevice: %v", err)
	}
	if len(got.EncryptedPrivateKey) != 2 {
		t.Fatalf("ciphertext not updated: %v", got.EncryptedPrivateKey)
	}

	missing := Ref{UserID: userID, CustodyAddress: custody, DeviceID: "missing"}
	if err := st.UpdateEncryptedKey(ctx, missing, []byte{1}, time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresKeys_ConcurrentEnrollmentCreatesOneRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	defer pool.Close()

	st, err := NewPostgresStore(pool)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	userID := newULID(t)
	mustCreateUser(ctx, t, pool, userID)
	t.Cleanup(func() { cleanupUserData(ctx, t, pool, userID) })

	rec := Record{
		UserID:              userID,
		CustodyAddress:      "c-" + userID,
		DeviceID:            "dev-race",
		PublicKey:           "aa",
		EncryptedPrivateKey: []byte{1},
	}

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.Insert(ctx, rec)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateKey):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one successful insert, got %d", ok)
	}

	var rows int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM custodian.keys WHERE user_id = $1`, userID).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected 1 row, got %d", rows)
	}
}

func TestPostgresKeys_UnknownUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := mustIntegrationPool(ctx, t)
	defer pool.Close()

	st, _ := NewPostgresStore(pool)
	err := st.Insert(ctx, Record{
		UserID:              newULID(t),
		CustodyAddress:      "c",
		DeviceID:            "d",
		PublicKey:           "p",
		EncryptedPrivateKey: []byte{1},
	})
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestNewPostgresStore_RejectsBadSchema(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore(nil, WithSchema("bad;schema")); err == nil {
		t.Fatalf("expected invalid schema error")
	}
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected nil pool error")
	}
}

func mustIntegrationPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("CUSTODIAN_DATABASE_URL")
	if dbURL == "" {
		t.Skip("CUSTODIAN_DATABASE_URL is not set; skipping Postgres integration test")
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("pgxpool.ParseConfig: %v", err)
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pgxpool.NewWithConfig: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (CUSTODIAN_DATABASE_URL set): %v", err)
		}
		t.Fatalf("pool.Ping: %v", err)
	}
	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}

func newULID(t *testing.T) string {
	t.Helper()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), ulid.Monotonic(rand.Reader, 0)).String()
}

func mustCreateUser(ctx context.Context, t *testing.T, pool *pgxpool.Pool, userID string) {
	t.Helper()

	_, err := pool.Exec(ctx, `
		INSERT INTO custodian.users (user_id, created_at, updated_at)
		VALUES ($1, now(), now())
	`, userID)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func cleanupUserData(ctx context.Context, t *testing.T, pool *pgxpool.Pool, userID string) {
	t.Helper()

	_, _ = pool.Exec(ctx, `DELETE FROM custodian.keys WHERE user_id = $1`, userID)
	_, _ = pool.Exec(ctx, `DELETE FROM custodian.sessions WHERE user_id = $1`, userID)
	_, _ = pool.Exec(ctx, `DELETE FROM custodian.users WHERE user_id = $1`, userID)
}
