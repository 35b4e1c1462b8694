package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"custodian/cmd/security/token"
)

func newTestManager(t *testing.T) (*Manager, *MemoryStore) {
	t.Helper()
	st := NewMemoryStore()
	return NewManager(DefaultConfig(), st, token.NewHasher([]byte(strings.Repeat("h", 32)))), st
}

func TestManager_CreateValidate(t *testing.T) {
	t.Parallel()

	m, st := newTestManager(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	s, err := m.Create(ctx, now, "user-1", "device-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(s.ID) != 43 {
		t.Fatalf("session id length=%d", len(s.ID))
	}
	if want := now.Add(14 * 24 * time.Hour); !s.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt=%v want %v", s.ExpiresAt, want)
	}

	// The plain token is never stored.
	if _, err := st.Get(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("store must be keyed by token hash")
	}

	got, err := m.Validate(ctx, now.Add(time.Hour), s.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.UserID != "user-1" || got.DeviceID != "device-1" || got.ID != s.ID {
		t.Fatalf("unexpected session: %+v", got)
	}

	auth := got.Auth()
	if !auth.Valid() || auth.SessionID != s.ID {
		t.Fatalf("unexpected auth context: %+v", auth)
	}
}

func TestManager_ValidateUnknownAndEmpty(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Validate(ctx, time.Now(), "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := m.Validate(ctx, time.Now(), "  "); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for empty token, got %v", err)
	}
}

func TestManager_ExpiredSessionRejected(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	s, err := m.Create(ctx, now, "user-1", "device-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Exactly at expiresAt the session is already expired.
	if _, err := m.Validate(ctx, s.ExpiresAt, s.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired at boundary, got %v", err)
	}
	if _, err := m.Validate(ctx, s.ExpiresAt.Add(time.Second), s.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, err := m.Renew(ctx, s.ExpiresAt.Add(time.Second), s.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expired session must not renew, got %v", err)
	}
}

func TestManager_Renew(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	s, _ := m.Create(ctx, now, "user-1", "device-1")

	later := now.Add(10 * 24 * time.Hour)
	if !m.NeedsRenewal(s, later) {
		t.Fatalf("expected renewal after more than half the TTL")
	}
	if m.NeedsRenewal(s, now.Add(time.Hour)) {
		t.Fatalf("fresh session must not need renewal")
	}

	r, err := m.Renew(ctx, later, s.ID)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if want := later.Add(14 * 24 * time.Hour); !r.ExpiresAt.Equal(want) {
		t.Fatalf("renewed ExpiresAt=%v want %v", r.ExpiresAt, want)
	}

	// Still valid past the original expiry.
	if _, err := m.Validate(ctx, s.ExpiresAt.Add(time.Hour), s.ID); err != nil {
		t.Fatalf("renewed session rejected: %v", err)
	}
}

func TestManager_CreateRequiresIDs(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	if _, err := m.Create(context.Background(), time.Now(), "", "d"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := m.Create(context.Background(), time.Now(), "u", " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestManager_Cookies(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	s, _ := m.Create(context.Background(), time.Now().UTC(), "user-1", "device-1")

	c := m.CookieFor(s)
	if c.Name != "custodian_session" || c.Value != s.ID {
		t.Fatalf("unexpected cookie: %+v", c)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode {
		t.Fatalf("cookie flags not set: %+v", c)
	}
	if !c.Expires.Equal(s.ExpiresAt.UTC()) || c.MaxAge <= 0 {
		t.Fatalf("cookie expiry: expires=%v maxAge=%d", c.Expires, c.MaxAge)
	}

	r := httptest.NewRequest(http.MethodPost, "/v1/sign", nil)
	r.AddCookie(c)
	if got := m.TokenFromCookie(r); got != s.ID {
		t.Fatalf("TokenFromCookie=%q", got)
	}

	gone := m.ExpiredCookie()
	if gone.MaxAge >= 0 || gone.Value != "" {
		t.Fatalf("expired cookie does not clear: %+v", gone)
	}
}

func TestManager_UnkeyedHasherStillHashes(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	m := NewManager(Config{}, st, token.NewHasher(nil))
	s, err := m.Create(context.Background(), time.Now(), "u", "d")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.Get(context.Background(), token.HashSHA256Hex(s.ID)); err != nil {
		t.Fatalf("expected SHA-256 keyed row: %v", err)
	}
}
