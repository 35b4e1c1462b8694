package signing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"custodian/cmd/internal/auth/session"
	"custodian/cmd/internal/custody"
	"custodian/cmd/internal/keys"
	"custodian/cmd/internal/kms"
	"custodian/cmd/security/sigcrypto"
)

// DefaultMaxBatch caps the number of messages per request.
const DefaultMaxBatch = 256

// Message is one unsigned message. ContentHash is hex.
type Message struct {
	Body        json.RawMessage `json:"body"`
	ContentHash string          `json:"contentHash"`
}

// Signed is one signed message. All fields are lowercase hex.
type Signed struct {
	Signer      string `json:"signer"`
	ContentHash string `json:"contentHash"`
	Signature   string `json:"signature"`
}

// Sessions validates session tokens.
type Sessions interface {
	Validate(ctx context.Context, now time.Time, sessionID string) (session.Session, error)
}

// Keys is the subset of the key custody store used here.
type Keys interface {
	FindByUserDevice(ctx context.Context, userID, deviceID string) (keys.Record, error)
	FindByUser(ctx context.Context, userID string) (keys.Record, error)
	UpdateEncryptedKey(ctx context.Context, ref keys.Ref, ciphertext []byte, now time.Time) error
}

// Config tunes the protocol.
type Config struct {
	// ReencryptAfterSign stores a fresh ciphertext after every batch.
	ReencryptAfterSign bool
	// KeyRef is required when ReencryptAfterSign is set.
	KeyRef string
	// MaxBatch caps messages per request (DefaultMaxBatch when zero).
	MaxBatch int
	// OpTimeout bounds a whole request once detached from the caller.
	OpTimeout time.Duration
}

// Protocol signs message batches.
type Protocol struct {
	sessions Sessions
	keys     Keys
	enc      kms.Encryptor
	cfg      Config

	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option { return func(p *Protocol) { p.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) {
		if now != nil {
			p.now = now
		}
	}
}

// New constructs a Protocol.
func New(sessions Sessions, ks Keys, enc kms.Encryptor, cfg Config, opts ...Option) (*Protocol, error) {
	if sessions == nil || ks == nil || enc == nil {
		return nil, errors.New("signing: missing dependency")
	}
	cfg.KeyRef = strings.TrimSpace(cfg.KeyRef)
	if cfg.ReencryptAfterSign && cfg.KeyRef == "" {
		return nil, errors.New("signing: key ref is required for re-encryption")
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}

	p := &Protocol{
		sessions: sessions,
		keys:     ks,
		enc:      enc,
		cfg:      cfg,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Authenticate validates sessionID and returns its auth context.
func (p *Protocol) Authenticate(ctx context.Context, sessionID string) (custody.AuthContext, error) {
	const op = "signing.Authenticate"

	s, err := p.sessions.Validate(ctx, p.now(), sessionID)
	if err != nil {
		return custody.AuthContext{}, sessionFailure(op, err)
	}
	return s.Auth(), nil
}

// Sign validates the session and signs every message, or none.
func (p *Protocol) Sign(ctx context.Context, sessionID string, msgs []Message) ([]Signed, error) {
	_, out, err := p.SignSession(ctx, sessionID, msgs)
	return out, err
}

// SignSession is Sign that also returns the validated auth context. The
// context is zero when session validation failed.
func (p *Protocol) SignSession(ctx context.Context, sessionID string, msgs []Message) (custody.AuthContext, []Signed, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.OpTimeout)
	defer cancel()

	auth, err := p.Authenticate(ctx, sessionID)
	if err != nil {
		p.metrics.batch(string(custody.KindOf(err)), 0)
		return custody.AuthContext{}, nil, err
	}
	out, err := p.SignAs(ctx, auth, msgs)
	return auth, out, err
}

// SignAs signs for an already validated auth context.
func (p *Protocol) SignAs(ctx context.Context, auth custody.AuthContext, msgs []Message) ([]Signed, error) {
	const op = "signing.Sign"

	out, err := p.signAs(ctx, op, auth, msgs)
	if err != nil {
		kind := custody.KindOf(err)
		p.metrics.batch(string(kind), 0)
		p.log.Warn("sign.batch.fail", "kind", string(kind), "user_id", auth.UserID, "device_id", auth.DeviceID, "err", errors.Unwrap(err))
		return nil, err
	}
	p.metrics.batch("ok", len(out))
	p.log.Info("sign.batch.ok", "user_id", auth.UserID, "device_id", auth.DeviceID, "count", len(out))
	return out, nil
}

func (p *Protocol) signAs(ctx context.Context, op string, auth custody.AuthContext, msgs []Message) ([]Signed, error) {
	if !auth.Valid() {
		return nil, custody.Fail(op, custody.KindSession, "session not found", nil)
	}
	if len(msgs) == 0 {
		return nil, custody.Fail(op, custody.KindClientParameter, "messages are required", nil)
	}
	if len(msgs) > p.cfg.MaxBatch {
		return nil, custody.Fail(op, custody.KindClientParameter, "too many messages", nil)
	}

	rec, err := p.findKey(ctx, auth)
	if err != nil {
		if errors.Is(err, keys.ErrNotFound) {
			return nil, custody.Fail(op, custody.KindKeyNotFound, "no delegate key for session", err)
		}
		return nil, custody.Fail(op, custody.KindProvider, "key lookup failed", err)
	}

	// Every hash is checked before the key is touched.
	hashes := make([][]byte, len(msgs))
	for i, m := range msgs {
		if len(m.Body) == 0 {
			return nil, custody.Fail(op, custody.KindClientParameter, "message body is required", nil)
		}
		claimed, err := sigcrypto.ParseHash(m.ContentHash)
		if err != nil {
			return nil, custody.Fail(op, custody.KindClientParameter, "invalid contentHash", err)
		}
		actual, err := sigcrypto.ContentHash(m.Body)
		if err != nil {
			return nil, custody.Fail(op, custody.KindClientParameter, "invalid message body", err)
		}
		if !sigcrypto.HashEqual(claimed, actual) {
			return nil, custody.Fail(op, custody.KindIntegrity, "content hash mismatch", nil)
		}
		hashes[i] = actual
	}

	seed, err := p.enc.Decrypt(ctx, rec.EncryptedPrivateKey)
	if err != nil {
		return nil, custody.Fail(op, custody.KindProvider, "key decryption failed", err)
	}
	defer sigcrypto.Zero(seed)

	pub, err := sigcrypto.PublicKeyFromPrivate(seed)
	if err != nil {
		return nil, custody.Fail(op, custody.KindProvider, "stored key is corrupt", err)
	}
	signer := hex.EncodeToString(pub)
	if signer != strings.ToLower(rec.PublicKey) {
		return nil, custody.Fail(op, custody.KindProvider, "stored key is corrupt", errors.New("public key mismatch"))
	}

	out := make([]Signed, len(hashes))
	for i, h := range hashes {
		sig, err := sigcrypto.Sign(h, seed)
		if err != nil {
			return nil, custody.Fail(op, custody.KindProvider, "signing failed", err)
		}
		out[i] = Signed{
			Signer:      signer,
			ContentHash: hex.EncodeToString(h),
			Signature:   hex.EncodeToString(sig),
		}
	}

	if p.cfg.ReencryptAfterSign {
		p.reencrypt(ctx, rec, seed)
	}
	return out, nil
}

func (p *Protocol) findKey(ctx context.Context, auth custody.AuthContext) (keys.Record, error) {
	if auth.DeviceID != "" {
		rec, err := p.keys.FindByUserDevice(ctx, auth.UserID, auth.DeviceID)
		if err == nil || !errors.Is(err, keys.ErrNotFound) {
			return rec, err
		}
	}
	return p.keys.FindByUser(ctx, auth.UserID)
}

// reencrypt failures are logged and never fail the batch.
func (p *Protocol) reencrypt(ctx context.Context, rec keys.Record, seed []byte) {
	ct, err := p.enc.Encrypt(ctx, p.cfg.KeyRef, seed)
	if err != nil {
		p.log.Warn("sign.reencrypt.fail", "user_id", rec.UserID, "device_id", rec.DeviceID, "err", err)
		return
	}
	if err := p.keys.UpdateEncryptedKey(ctx, rec.Ref(), ct, p.now()); err != nil {
		p.log.Warn("sign.reencrypt.store.fail", "user_id", rec.UserID, "device_id", rec.DeviceID, "err", err)
	}
}

func sessionFailure(op string, err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return custody.Fail(op, custody.KindSession, "session not found", err)
	case errors.Is(err, session.ErrSessionExpired):
		return custody.Fail(op, custody.KindSession, "session expired", err)
	default:
		return custody.Fail(op, custody.KindProvider, "session lookup failed", err)
	}
}
