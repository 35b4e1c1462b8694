package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "CUSTODIAN_TOKEN_HMAC_KEY"

	// MinHMACKeyBytes is the policy minimum for HMAC keys.
	MinHMACKeyBytes = 32
)

// NewOpaque returns n random bytes encoded as unpadded base64url.
func NewOpaque(n int) (string, error) {
	if n <= 0 {
		return "", ErrInvalidLength
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Hasher hashes session tokens for storage.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher. An empty key selects plain SHA-256.
func NewHasher(key []byte) Hasher {
	return Hasher{key: append([]byte(nil), key...)}
}

// HasherFromEnv builds a Hasher from CUSTODIAN_TOKEN_HMAC_KEY.
// With require set, a missing or short key is an error.
func HasherFromEnv(require bool) (Hasher, error) {
	if !require && !HMACEnabled() {
		return NewHasher(nil), nil
	}
	key, err := HMACKeyFromEnv(MinHMACKeyBytes)
	if err != nil {
		return Hasher{}, err
	}
	return NewHasher(key), nil
}

// Keyed reports whether h uses HMAC.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// Hash returns the storage digest of tok.
func (h Hasher) Hash(tok string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(tok)
	}
	return HashHMACSHA256Hex(tok, h.key)
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// HMACEnabled reports whether the env key is present (non-empty after trim).
func HMACEnabled() bool {
	return strings.TrimSpace(os.Getenv(HMACEnvKey)) != ""
}
