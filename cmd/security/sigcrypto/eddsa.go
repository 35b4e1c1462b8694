package sigcrypto

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"io"
	"strings"

	"github.com/cloudflare/circl/sign/ed25519"
)

const (
	// SeedSize is the length of the private seed persisted (encrypted) per device.
	SeedSize = ed25519.SeedSize
	// PublicKeySize is the length of an Ed25519 public key.
	PublicKeySize = ed25519.PublicKeySize
	// SignatureSize is the length of an Ed25519 signature.
	SignatureSize = ed25519.SignatureSize
)

// Sign returns the deterministic Ed25519 signature of message.
// privateKey may be a 32-byte seed or a 64-byte expanded key. The message is
// signed as given; callers pass an already canonicalized digest.
func Sign(message, privateKey []byte) ([]byte, error) {
	priv, err := expandPrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	defer Zero(priv)

	return ed25519.Sign(priv, message), nil
}

// Verify reports whether signature is a valid Ed25519 signature of message by publicKey.
// Malformed key or signature lengths yield false.
func Verify(message, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// VerifyHex verifies a UTF-8 message against hex-encoded signature and public key.
// Any decoding failure yields false.
func VerifyHex(message, signatureHex, publicKeyHex string) bool {
	sig, err := DecodeHex(signatureHex)
	if err != nil {
		return false
	}
	pub, err := DecodeHex(publicKeyHex)
	if err != nil {
		return false
	}
	return Verify([]byte(message), sig, pub)
}

// GenerateDelegateKey creates a fresh Ed25519 keypair and returns the public key
// and the 32-byte seed. A nil reader uses crypto/rand.
func GenerateDelegateKey(r io.Reader) (publicKey []byte, seed []byte, err error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, nil, err
	}
	seed = bytes.Clone(priv.Seed())
	Zero(priv)
	return []byte(pub), seed, nil
}

// PublicKeyFromPrivate derives the public key for a seed or expanded private key.
func PublicKeyFromPrivate(privateKey []byte) ([]byte, error) {
	priv, err := expandPrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	defer Zero(priv)

	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, priv[ed25519.SeedSize:])
	return pub, nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DecodeHex decodes a hex string, tolerating surrounding space and a 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

// NormalizePublicKeyHex returns the lowercase hex form of a 32-byte public key.
func NormalizePublicKeyHex(s string) (string, error) {
	b, err := DecodeHex(s)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return "", ErrInvalidPublicKey
	}
	return hex.EncodeToString(b), nil
}

// expandPrivateKey returns a private copy of the 64-byte key so the caller's
// buffer is never retained.
func expandPrivateKey(privateKey []byte) (ed25519.PrivateKey, error) {
	switch len(privateKey) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(privateKey), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(bytes.Clone(privateKey)), nil
	default:
		return nil, ErrInvalidPrivateKey
	}
}
