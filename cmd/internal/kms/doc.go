// Package kms implements envelope encryption of delegate private keys.
//
// An Encryptor wraps plaintext key material under a key reference held by an
// external key management service and unwraps it again on demand. Providers:
//
//   - AWSEncryptor: AWS KMS Encrypt/Decrypt.
//   - LocalEncryptor: XChaCha20-Poly1305 under an Argon2id-derived key, for
//     development and tests.
//
// Bounded wraps any provider with a per-call timeout and metrics, and turns
// every failure into a *ProviderError. Callers never retry.
package kms
