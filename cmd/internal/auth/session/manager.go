package session

import (
	"context"
	"strings"
	"time"

	"custodian/cmd/internal/custody"
	"custodian/cmd/security/token"
)

// Session is an issued session. ID is the plain token and is never persisted.
type Session struct {
	ID        string
	UserID    string
	DeviceID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Auth returns the authenticated context carried by s.
func (s Session) Auth() custody.AuthContext {
	return custody.AuthContext{UserID: s.UserID, SessionID: s.ID, DeviceID: s.DeviceID}
}

// Manager creates, validates and renews sessions.
type Manager struct {
	cfg    Config
	store  Store
	hasher token.Hasher
}

// NewManager constructs a Manager. Zero config values fall back to DefaultConfig.
func NewManager(cfg Config, store Store, hasher token.Hasher) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.TokenBytes <= 0 {
		cfg.TokenBytes = def.TokenBytes
	}
	if cfg.CookieName == "" {
		cfg.CookieName = def.CookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = def.CookiePath
	}
	return &Manager{cfg: cfg, store: store, hasher: hasher}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Create issues a session for (userID, deviceID) expiring at now+TTL.
func (m *Manager) Create(ctx context.Context, now time.Time, userID, deviceID string) (Session, error) {
	userID = strings.TrimSpace(userID)
	deviceID = strings.TrimSpace(deviceID)
	if userID == "" || deviceID == "" {
		return Session{}, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tok, err := token.NewOpaque(m.cfg.TokenBytes)
	if err != nil {
		return Session{}, err
	}

	s := Session{
		ID:        tok,
		UserID:    userID,
		DeviceID:  deviceID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}
	err = m.store.Create(ctx, Row{
		ID:        m.hasher.Hash(tok),
		UserID:    s.UserID,
		DeviceID:  s.DeviceID,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	})
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

// Validate returns the session for sessionID if it exists and has not expired.
// It never mutates state.
func (m *Manager) Validate(ctx context.Context, now time.Time, sessionID string) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, ErrSessionNotFound
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	row, err := m.store.Get(ctx, m.hasher.Hash(sessionID))
	if err != nil {
		return Session{}, err
	}
	if !row.ExpiresAt.After(now) {
		return Session{}, ErrSessionExpired
	}
	return fromRow(sessionID, row), nil
}

// Renew extends an active session to now+TTL.
func (m *Manager) Renew(ctx context.Context, now time.Time, sessionID string) (Session, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s, err := m.Validate(ctx, now, sessionID)
	if err != nil {
		return Session{}, err
	}

	exp := now.Add(m.cfg.TTL)
	if !exp.After(s.ExpiresAt) {
		return s, nil
	}
	if err := m.store.Extend(ctx, m.hasher.Hash(s.ID), now, exp); err != nil {
		return Session{}, err
	}
	s.ExpiresAt = exp
	return s, nil
}

// StorageID returns the persisted identifier of a session token.
func (m *Manager) StorageID(sessionID string) string {
	return m.hasher.Hash(strings.TrimSpace(sessionID))
}

// NeedsRenewal reports whether less than half of the TTL remains.
func (m *Manager) NeedsRenewal(s Session, now time.Time) bool {
	return s.ExpiresAt.Sub(now) < m.cfg.TTL/2
}

func fromRow(tok string, row Row) Session {
	return Session{
		ID:        tok,
		UserID:    row.UserID,
		DeviceID:  row.DeviceID,
		CreatedAt: row.CreatedAt,
		ExpiresAt: row.ExpiresAt,
	}
}
