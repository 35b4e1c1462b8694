package kms

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	localEnvelopeVersion = 1
	localSaltSize        = 16

	argonTime     = 2
	argonMemoryKB = 64 * 1024
	argonThreads  = 1

	// MinPassphraseLen is the shortest passphrase LocalEncryptor accepts.
	MinPassphraseLen = 16
)

// localEnvelope is the JSON ciphertext format of LocalEncryptor.
type localEnvelope struct {
	Version     uint32 `json:"version"`
	KeyRef      string `json:"key_ref"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// LocalEncryptor is a passphrase-based Encryptor for development and tests.
//
// Each call derives a fresh key from a random salt; the key ref is bound to the
// ciphertext as associated data.
type LocalEncryptor struct {
	passphrase []byte
	rand       io.Reader
}

// NewLocalEncryptor returns a LocalEncryptor. The passphrase must be at least
// MinPassphraseLen bytes.
func NewLocalEncryptor(passphrase string) (*LocalEncryptor, error) {
	if len(passphrase) < MinPassphraseLen {
		return nil, errors.Join(ErrConfig, errors.New("local passphrase is too short"))
	}
	return &LocalEncryptor{passphrase: []byte(passphrase), rand: rand.Reader}, nil
}

func (e *LocalEncryptor) Encrypt(ctx context.Context, keyRef string, plaintext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keyRef = strings.TrimSpace(keyRef)
	if keyRef == "" {
		return nil, ErrMissingKeyRef
	}

	salt := make([]byte, localSaltSize)
	if _, err := io.ReadFull(e.rand, salt); err != nil {
		return nil, err
	}
	key := e.deriveKey(salt, argonTime, argonMemoryKB, argonThreads)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, err
	}

	env := localEnvelope{
		Version:     localEnvelopeVersion,
		KeyRef:      keyRef,
		KDF:         "argon2id",
		KDFTime:     argonTime,
		KDFMemoryKB: argonMemoryKB,
		KDFThreads:  argonThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, []byte(keyRef)),
	}
	return json.Marshal(env)
}

func (e *LocalEncryptor) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var env localEnvelope
	if err := json.Unmarshal(ciphertext, &env); err != nil {
		return nil, ErrInvalidEnvelope
	}
	if env.Version != localEnvelopeVersion || env.KDF != "argon2id" ||
		len(env.Salt) != localSaltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX ||
		env.KDFTime == 0 || env.KDFMemoryKB == 0 || env.KDFThreads == 0 {
		return nil, ErrInvalidEnvelope
	}
	// Bound attacker-controlled KDF cost.
	if env.KDFTime > 8 || env.KDFMemoryKB > 1024*1024 {
		return nil, ErrInvalidEnvelope
	}

	key := e.deriveKey(env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(env.KeyRef))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (e *LocalEncryptor) deriveKey(salt []byte, t, memKB uint32, threads uint8) []byte {
	return argon2.IDKey(e.passphrase, salt, t, memKB, threads, chacha20poly1305.KeySize)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
