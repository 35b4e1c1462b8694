package session

import "errors"

var (
	// ErrSessionNotFound is returned when a token does not match any session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when the session is expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidInput is returned for missing user or device ids.
	ErrInvalidInput = errors.New("invalid session input")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
