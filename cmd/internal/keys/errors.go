package keys

import "errors"

var (
	// ErrNotFound is returned when no key record matches.
	ErrNotFound = errors.New("key record not found")

	// ErrDuplicateKey is returned when a record with the same composite key
	// (or the same custody address and device) already exists.
	ErrDuplicateKey = errors.New("duplicate key record")

	// ErrUnknownUser is returned when a record references a user that does not exist.
	ErrUnknownUser = errors.New("unknown user")

	// ErrInvalidRecord is returned for records missing required fields.
	ErrInvalidRecord = errors.New("invalid key record")
)
