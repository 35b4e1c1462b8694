package kms

import "context"

// Encryptor wraps and unwraps key material through a key management service.
//
// Implementations must be safe for concurrent use. Decrypt takes only the
// ciphertext: the provider locates the wrapping key from it.
type Encryptor interface {
	Encrypt(ctx context.Context, keyRef string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}
