package provision

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"custodian/cmd/identity"
	"custodian/cmd/internal/auth/session"
	"custodian/cmd/internal/custody"
	"custodian/cmd/internal/keys"
	"custodian/cmd/internal/kms"
	"custodian/cmd/security/sigcrypto"
)

// Branch names the provisioning path taken.
type Branch string

const (
	BranchResume    Branch = "resume"
	BranchReturning Branch = "returning"
	BranchEnroll    Branch = "enroll"
)

// IdentityProof is a message signed by the custody key.
// CustodyAddress is the hex Ed25519 public key; Signature is hex.
type IdentityProof struct {
	CustodyAddress string
	Message        string
	Signature      string
}

// Request is a provisioning request. All fields are optional.
type Request struct {
	DeviceID  string
	SessionID string
	Proof     *IdentityProof
}

// Result is a successful provisioning outcome.
type Result struct {
	Branch  Branch
	Session session.Session
}

// Auth returns the authenticated context of r.
func (r Result) Auth() custody.AuthContext { return r.Session.Auth() }

// Sessions is the subset of the session manager used here.
type Sessions interface {
	Create(ctx context.Context, now time.Time, userID, deviceID string) (session.Session, error)
	Validate(ctx context.Context, now time.Time, sessionID string) (session.Session, error)
	Renew(ctx context.Context, now time.Time, sessionID string) (session.Session, error)
	NeedsRenewal(s session.Session, now time.Time) bool
}

// Keys is the subset of the key custody store used here.
type Keys interface {
	FindByCustodyAddress(ctx context.Context, custodyAddress string) (keys.Record, error)
	FindByCustodyDevice(ctx context.Context, custodyAddress, deviceID string) (keys.Record, error)
	Insert(ctx context.Context, rec keys.Record) error
}

// Users maps custody addresses to accounts, creating one on first use.
type Users interface {
	UserForCustody(ctx context.Context, now time.Time, custodyAddress string) (identity.User, error)
}

// Config tunes the protocol.
type Config struct {
	// KeyRef names the KMS key wrapping delegate keys.
	KeyRef string
	// IssuerAllowlist restricts accepted custody addresses when non-empty.
	IssuerAllowlist []string
	// OpTimeout bounds a whole request once detached from the caller.
	OpTimeout time.Duration
}

// Protocol runs provisioning requests.
type Protocol struct {
	sessions Sessions
	keys     Keys
	users    Users
	enc      kms.Encryptor

	keyRef    string
	allow     map[string]struct{}
	opTimeout time.Duration

	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time
	rand    io.Reader
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

// WithRand overrides the entropy source for delegate keys and device ids.
func WithRand(r io.Reader) Option { return func(p *Protocol) { p.rand = r } }

// New constructs a Protocol.
func New(sessions Sessions, ks Keys, users Users, enc kms.Encryptor, cfg Config, opts ...Option) (*Protocol, error) {
	if sessions == nil || ks == nil || users == nil || enc == nil {
		return nil, errors.New("provision: missing dependency")
	}
	if strings.TrimSpace(cfg.KeyRef) == "" {
		return nil, errors.New("provision: key ref is required")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}

	p := &Protocol{
		sessions:  sessions,
		keys:      ks,
		users:     users,
		enc:       enc,
		keyRef:    strings.TrimSpace(cfg.KeyRef),
		opTimeout: cfg.OpTimeout,
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if len(cfg.IssuerAllowlist) > 0 {
		p.allow = make(map[string]struct{}, len(cfg.IssuerAllowlist))
		for _, a := range cfg.IssuerAllowlist {
			if norm, err := sigcrypto.NormalizePublicKeyHex(a); err == nil {
				p.allow[norm] = struct{}{}
			}
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Provision runs the first matching branch for req.
//
// Work continues if the caller goes away; it is bounded by the op timeout
// and, for KMS calls, by the encryptor's own deadline.
func (p *Protocol) Provision(ctx context.Context, req Request) (Result, error) {
	const op = "provision.Provision"

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opTimeout)
	defer cancel()

	now := p.now()
	deviceID := strings.TrimSpace(req.DeviceID)
	sessionID := strings.TrimSpace(req.SessionID)

	if deviceID != "" && !validDeviceID(deviceID) {
		p.metrics.record("", string(custody.KindClientParameter))
		return Result{}, custody.Fail(op, custody.KindClientParameter, "invalid deviceId", nil)
	}

	// 1. Resume an existing session bound to the same device.
	if sessionID != "" {
		s, err := p.sessions.Validate(ctx, now, sessionID)
		switch {
		case err == nil && deviceID != "" && s.DeviceID == deviceID:
			return p.resume(ctx, op, now, s)
		case err == nil, errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionExpired):
			// Fall through to proof-based provisioning.
		default:
			p.metrics.record(BranchResume, string(custody.KindProvider))
			return Result{}, custody.Fail(op, custody.KindProvider, "session lookup failed", err)
		}
	}

	custodyAddr, err := p.verifyProof(op, req.Proof)
	if err != nil {
		p.metrics.record("", string(custody.KindOf(err)))
		return Result{}, err
	}

	// 2. Returning device under the same custody address.
	if deviceID != "" {
		rec, err := p.keys.FindByCustodyDevice(ctx, custodyAddr, deviceID)
		switch {
		case err == nil:
			return p.issue(ctx, op, BranchReturning, now, rec.UserID, rec.DeviceID)
		case errors.Is(err, keys.ErrNotFound):
		default:
			p.metrics.record(BranchReturning, string(custody.KindProvider))
			return Result{}, custody.Fail(op, custody.KindProvider, "key lookup failed", err)
		}
	}

	// 3. Enrollment.
	return p.enroll(ctx, op, now, custodyAddr, deviceID)
}

// resume returns s, renewed first when less than half of its TTL remains.
func (p *Protocol) resume(ctx context.Context, op string, now time.Time, s session.Session) (Result, error) {
	if p.sessions.NeedsRenewal(s, now) {
		renewed, err := p.sessions.Renew(ctx, now, s.ID)
		if err != nil {
			p.metrics.record(BranchResume, string(custody.KindProvider))
			return Result{}, custody.Fail(op, custody.KindProvider, "session renewal failed", err)
		}
		p.log.Info("provision.resume.renewed", "user_id", s.UserID, "device_id", s.DeviceID)
		s = renewed
	}
	p.metrics.record(BranchResume, "ok")
	p.log.Info("provision.resume.ok", "user_id", s.UserID, "device_id", s.DeviceID)
	return Result{Branch: BranchResume, Session: s}, nil
}

func (p *Protocol) verifyProof(op string, proof *IdentityProof) (string, error) {
	if proof == nil || strings.TrimSpace(proof.CustodyAddress) == "" ||
		proof.Message == "" || strings.TrimSpace(proof.Signature) == "" {
		return "", custody.Fail(op, custody.KindClientParameter, "identityProof is required", nil)
	}

	addr, err := sigcrypto.NormalizePublicKeyHex(proof.CustodyAddress)
	if err != nil {
		return "", custody.Fail(op, custody.KindClientParameter, "invalid custodyAddress", err)
	}
	if !sigcrypto.VerifyHex(proof.Message, proof.Signature, addr) {
		return "", custody.Fail(op, custody.KindAuthentication, "invalid identity proof", nil)
	}
	if p.allow != nil {
		if _, ok := p.allow[addr]; !ok {
			return "", custody.Fail(op, custody.KindAuthentication, "custody address not allowed", nil)
		}
	}
	return addr, nil
}

func (p *Protocol) enroll(ctx context.Context, op string, now time.Time, custodyAddr, deviceID string) (Result, error) {
	fail := func(kind custody.Kind, msg string, cause error) (Result, error) {
		p.metrics.record(BranchEnroll, string(kind))
		p.log.Warn("provision.enroll.fail", "kind", string(kind), "custody_address", custodyAddr, "err", cause)
		return Result{}, custody.Fail(op, kind, msg, cause)
	}

	userID, err := p.resolveUser(ctx, now, custodyAddr)
	if err != nil {
		return fail(custody.KindProvider, "user lookup failed", err)
	}

	if deviceID == "" {
		deviceID, err = NewDeviceID(p.rand)
		if err != nil {
			return fail(custody.KindProvider, "device id generation failed", err)
		}
	}

	pub, seed, err := sigcrypto.GenerateDelegateKey(p.rand)
	if err != nil {
		return fail(custody.KindProvider, "key generation failed", err)
	}
	ciphertext, err := p.enc.Encrypt(ctx, p.keyRef, seed)
	sigcrypto.Zero(seed)
	if err != nil {
		return fail(custody.KindProvider, "key encryption failed", err)
	}

	err = p.keys.Insert(ctx, keys.Record{
		UserID:              userID,
		CustodyAddress:      custodyAddr,
		DeviceID:            deviceID,
		PublicKey:           hex.EncodeToString(pub),
		EncryptedPrivateKey: ciphertext,
		CreatedAt:           now,
	})
	switch {
	case err == nil:
	case errors.Is(err, keys.ErrDuplicateKey):
		return fail(custody.KindDuplicateKey, "device already enrolled", err)
	default:
		return fail(custody.KindProvider, "key insert failed", err)
	}

	return p.issue(ctx, op, BranchEnroll, now, userID, deviceID)
}

// resolveUser reuses the account of an already enrolled custody address.
// First enrollments go through the users store, which hands concurrent
// callers for one address the same account.
func (p *Protocol) resolveUser(ctx context.Context, now time.Time, custodyAddr string) (string, error) {
	rec, err := p.keys.FindByCustodyAddress(ctx, custodyAddr)
	if err == nil {
		return rec.UserID, nil
	}
	if !errors.Is(err, keys.ErrNotFound) {
		return "", err
	}
	u, err := p.users.UserForCustody(ctx, now, custodyAddr)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

func (p *Protocol) issue(ctx context.Context, op string, branch Branch, now time.Time, userID, deviceID string) (Result, error) {
	s, err := p.sessions.Create(ctx, now, userID, deviceID)
	if err != nil {
		p.metrics.record(branch, string(custody.KindProvider))
		return Result{}, custody.Fail(op, custody.KindProvider, "session creation failed", err)
	}
	p.metrics.record(branch, "ok")
	p.log.Info("provision."+string(branch)+".ok", "user_id", userID, "device_id", deviceID)
	return Result{Branch: branch, Session: s}, nil
}
