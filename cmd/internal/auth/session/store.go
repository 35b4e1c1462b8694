package session

import (
	"context"
	"time"
)

// Row mirrors the custodian.sessions row. ID is the token hash.
type Row struct {
	ID        string
	UserID    string
	DeviceID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store abstracts persistence for session state.
type Store interface {
	// Create inserts a new session row.
	Create(ctx context.Context, row Row) error

	// Get loads a session row by token hash. Missing rows are ErrSessionNotFound.
	Get(ctx context.Context, id string) (Row, error)

	// Extend sets expires_at for a session that is still active at now.
	// It returns ErrSessionNotFound when no active row matched.
	Extend(ctx context.Context, id string, now, expiresAt time.Time) error
}
