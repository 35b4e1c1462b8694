package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"custodian/cmd/internal/audit"
	"custodian/cmd/internal/auth/session"
	"custodian/cmd/internal/custody"
	"custodian/cmd/internal/provision"
	"custodian/cmd/internal/ratelimit"
	"custodian/cmd/internal/signing"
	"custodian/cmd/security/sigcrypto"
)

// Provisioner runs the provisioning protocol.
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (provision.Result, error)
}

// Signer runs the signing protocol.
type Signer interface {
	SignSession(ctx context.Context, sessionID string, msgs []signing.Message) (custody.AuthContext, []signing.Signed, error)
}

// Sessions is the session surface used for renewal and cookie transport.
type Sessions interface {
	Renew(ctx context.Context, now time.Time, sessionID string) (session.Session, error)
	CookieFor(s session.Session) *http.Cookie
	TokenFromCookie(r *http.Request) string
	StorageID(sessionID string) string
}

// Handler wires HTTP endpoints to the protocols.
type Handler struct {
	log *slog.Logger
	cfg Config

	provisioner Provisioner
	signer      Signer
	sessions    Sessions

	audit   audit.Recorder
	limiter ratelimit.Limiter
	now     func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithAudit overrides the default no-op audit recorder.
func WithAudit(rec audit.Recorder) HandlerOption {
	return func(h *Handler) {
		if rec != nil {
			h.audit = rec
		}
	}
}

// WithProvisionLimiter rate limits /v1/provision per client IP.
func WithProvisionLimiter(l ratelimit.Limiter) HandlerOption {
	return func(h *Handler) { h.limiter = l }
}

// WithClock overrides the handler clock.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, p Provisioner, s Signer, sessions Sessions, opts ...HandlerOption) (*Handler, error) {
	if p == nil || s == nil || sessions == nil {
		return nil, errors.New("api: provisioner, signer and sessions are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}

	h := &Handler{
		log:         log,
		cfg:         cfg,
		provisioner: p,
		signer:      s,
		sessions:    sessions,
		audit:       audit.Nop{},
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires API routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/v1/provision", h.handleProvision)
	mux.HandleFunc("/v1/sign", h.handleSign)
	mux.HandleFunc("/v1/session/renew", h.handleRenew)
	mux.HandleFunc("/v1/hash", h.handleHash)
	mux.HandleFunc("/v1/cid", h.handleCID)
}

// ---- handlers ----

func (h *Handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	if h.limiter != nil {
		d, err := h.limiter.Allow(ctx, limiterKey(ip))
		switch {
		case err != nil:
			h.log.Warn("provision.ratelimit.fail", "err", err)
		case !d.Allowed:
			h.audit.Record(ctx, audit.Event{
				Action:    audit.ActionProvisionLimited,
				IP:        ip,
				UserAgent: ua,
				Meta:      map[string]any{"retry_after_s": int64(d.RetryAfter.Seconds())},
			})
			writeRateLimited(w, d.RetryAfter)
			return
		}
	}

	var req provisionRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(custody.KindClientParameter), "invalid request body")
		return
	}

	preq := provision.Request{
		DeviceID:  strings.TrimSpace(req.DeviceID),
		SessionID: strings.TrimSpace(req.SessionID),
	}
	if preq.SessionID == "" {
		preq.SessionID = h.sessions.TokenFromCookie(r)
	}
	if req.IdentityProof != nil {
		preq.Proof = &provision.IdentityProof{
			CustodyAddress: req.IdentityProof.CustodyAddress,
			Message:        req.IdentityProof.Message,
			Signature:      req.IdentityProof.Signature,
		}
	}

	res, err := h.provisioner.Provision(ctx, preq)
	if err != nil {
		meta := map[string]any{"kind": string(custody.KindOf(err))}
		if preq.Proof != nil {
			meta["custody_address"] = preq.Proof.CustodyAddress
		}
		h.audit.Record(ctx, audit.Event{
			Action:    audit.ActionProvisionFailed,
			IP:        ip,
			UserAgent: ua,
			Meta:      meta,
		})
		writeFailure(w, err)
		return
	}

	h.audit.Record(ctx, audit.Event{
		Action:    provisionAction(res.Branch),
		UserID:    res.Session.UserID,
		SessionID: h.sessions.StorageID(res.Session.ID),
		IP:        ip,
		UserAgent: ua,
		Meta:      map[string]any{"device_id": res.Session.DeviceID},
	})

	http.SetCookie(w, h.sessions.CookieFor(res.Session))
	writeJSON(w, http.StatusOK, provisionResponse{
		UserID:    res.Session.UserID,
		SessionID: res.Session.ID,
		DeviceID:  res.Session.DeviceID,
		ExpiresAt: res.Session.ExpiresAt,
	})
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req signRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(custody.KindClientParameter), "invalid request body")
		return
	}

	ctx := r.Context()
	tok := h.sessionToken(r, req.SessionID)
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	auth, signed, err := h.signer.SignSession(ctx, tok, req.Messages)
	if err != nil {
		ev := audit.Event{
			Action:    audit.ActionSignFailed,
			UserID:    auth.UserID,
			IP:        ip,
			UserAgent: ua,
			Meta:      map[string]any{"kind": string(custody.KindOf(err)), "count": len(req.Messages)},
		}
		if auth.Valid() {
			ev.SessionID = h.sessions.StorageID(tok)
		}
		h.audit.Record(ctx, ev)
		writeFailure(w, err)
		return
	}

	h.audit.Record(ctx, audit.Event{
		Action:    audit.ActionSignBatch,
		UserID:    auth.UserID,
		SessionID: h.sessions.StorageID(tok),
		IP:        ip,
		UserAgent: ua,
		Meta:      map[string]any{"count": len(signed), "device_id": auth.DeviceID},
	})
	writeJSON(w, http.StatusOK, signResponse{SignedMessages: signed})
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tok := h.sessionToken(r, "")
	s, err := h.sessions.Renew(r.Context(), h.now(), tok)
	if err != nil {
		writeFailure(w, renewFailure(err))
		return
	}

	h.audit.Record(r.Context(), audit.Event{
		Action:    audit.ActionSessionRenew,
		UserID:    s.UserID,
		SessionID: h.sessions.StorageID(s.ID),
		IP:        clientIP(r, h.cfg.TrustProxy),
		UserAgent: strings.TrimSpace(r.UserAgent()),
	})
	http.SetCookie(w, h.sessions.CookieFor(s))
	writeJSON(w, http.StatusOK, renewResponse{ExpiresAt: s.ExpiresAt})
}

func (h *Handler) handleHash(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	sum, err := sigcrypto.ContentHashHex(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(custody.KindClientParameter), "invalid body")
		return
	}
	writeJSON(w, http.StatusOK, hashResponse{ContentHash: sum})
}

func (h *Handler) handleCID(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	id, err := sigcrypto.ContentID(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(custody.KindClientParameter), "invalid body")
		return
	}
	writeJSON(w, http.StatusOK, cidResponse{CID: id})
}

// ---- helpers ----

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, false
	}
	var req bodyRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(custody.KindClientParameter), "invalid request body")
		return nil, false
	}
	if len(req.Body) == 0 {
		writeError(w, http.StatusBadRequest, string(custody.KindClientParameter), "body is required")
		return nil, false
	}
	return req.Body, true
}

// sessionToken prefers an explicit token, then the bearer header, then the cookie.
func (h *Handler) sessionToken(r *http.Request, explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if v := bearerToken(r); v != "" {
		return v
	}
	return h.sessions.TokenFromCookie(r)
}

func provisionAction(b provision.Branch) string {
	switch b {
	case provision.BranchResume:
		return audit.ActionProvisionResume
	case provision.BranchReturning:
		return audit.ActionProvisionReturning
	default:
		return audit.ActionProvisionEnroll
	}
}

func renewFailure(err error) error {
	const op = "api.RenewSession"
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return custody.Fail(op, custody.KindSession, "session not found", err)
	case errors.Is(err, session.ErrSessionExpired):
		return custody.Fail(op, custody.KindSession, "session expired", err)
	default:
		return custody.Fail(op, custody.KindProvider, "session renewal failed", err)
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func limiterKey(ip net.IP) string {
	if ip == nil {
		return "unknown"
	}
	return ip.String()
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
