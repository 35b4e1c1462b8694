package sigcrypto

import "errors"

var (
	// ErrInvalidPrivateKey is returned when a private key is neither a 32-byte seed nor a 64-byte key.
	ErrInvalidPrivateKey = errors.New("sigcrypto: invalid ed25519 private key length")

	// ErrInvalidPublicKey is returned when a public key is not 32 bytes.
	ErrInvalidPublicKey = errors.New("sigcrypto: invalid ed25519 public key length")

	// ErrInvalidHash is returned when a content hash is not a 32-byte hex digest.
	ErrInvalidHash = errors.New("sigcrypto: invalid content hash")

	// ErrUnsupportedValue is returned when a body contains a value with no canonical form.
	ErrUnsupportedValue = errors.New("sigcrypto: unsupported body value")

	// ErrNonFiniteNumber is returned for NaN or infinite numbers in a body.
	ErrNonFiniteNumber = errors.New("sigcrypto: non-finite number")

	// ErrBodyTooDeep is returned when a body nests deeper than maxBodyDepth.
	ErrBodyTooDeep = errors.New("sigcrypto: body nesting too deep")
)
