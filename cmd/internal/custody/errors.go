// Package custody defines the failure taxonomy shared by the provisioning and
// signing protocols, and the explicit authentication context they pass around.
package custody

import (
	"errors"
	"fmt"
)

// Kind classifies a protocol failure. Kinds are stable and map to transport status codes.
type Kind string

const (
	KindClientParameter Kind = "client_parameter"
	KindAuthentication  Kind = "authentication"
	KindSession         Kind = "session"
	KindKeyNotFound     Kind = "key_not_found"
	KindIntegrity       Kind = "integrity"
	KindProvider        Kind = "provider"
	KindDuplicateKey    Kind = "duplicate_key"
)

// Error is the structured failure returned at the protocol boundary.
// Msg is safe to show to callers; Err carries the underlying cause for logs only.
type Error struct {
	Op   string
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail builds an *Error.
func Fail(op string, kind Kind, msg string, cause error) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the Kind of err, or KindProvider for errors that did not
// originate from a protocol (unclassified failures are treated as internal).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindProvider
}

// MessageOf returns the caller-safe message for err.
func MessageOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) && ce.Msg != "" {
		return ce.Msg
	}
	return "internal error"
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }
