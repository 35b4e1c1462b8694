package kms

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig indicates invalid KMS configuration.
	ErrConfig = errors.New("kms: invalid config")

	// ErrInvalidEnvelope indicates ciphertext that this provider did not produce.
	ErrInvalidEnvelope = errors.New("kms: invalid envelope")

	// ErrAuthFailed indicates ciphertext that failed authentication.
	ErrAuthFailed = errors.New("kms: envelope authentication failed")

	// ErrMissingKeyRef indicates an Encrypt call without a key reference.
	ErrMissingKeyRef = errors.New("kms: key ref is required")
)

// ProviderError is returned for every failed call through Bounded.
type ProviderError struct {
	Op  string // "encrypt" | "decrypt"
	Err error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("kms %s failed", e.Op)
	}
	return fmt.Sprintf("kms %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsProviderError reports whether err carries a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
