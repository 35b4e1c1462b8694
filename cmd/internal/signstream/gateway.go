package signstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"custodian/cmd/identity/ids"
	"custodian/cmd/internal/audit"
	"custodian/cmd/internal/custody"
	"custodian/cmd/internal/signing"
)

// Signer is the signing surface the gateway drives.
type Signer interface {
	Authenticate(ctx context.Context, sessionID string) (custody.AuthContext, error)
	Sign(ctx context.Context, sessionID string, msgs []signing.Message) ([]signing.Signed, error)
}

// Gateway is the WebSocket entrypoint for streamed signing.
//
// The session token is validated at upgrade and again for every request, so
// a session that expires mid-stream closes the connection.
type Gateway struct {
	log     *slog.Logger
	signer  Signer
	cfg     Config
	metrics *Metrics

	cookieToken func(*http.Request) string
	audit       audit.Recorder
	sessionRef  func(string) string

	patterns []string
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

func WithMetrics(m *Metrics) Option { return func(g *Gateway) { g.metrics = m } }

// WithCookieToken reads the session token from a cookie when no bearer token is sent.
func WithCookieToken(fn func(*http.Request) string) Option {
	return func(g *Gateway) { g.cookieToken = fn }
}

// WithAudit records sign.batch and sign.failed. ref maps a token to its stored id.
func WithAudit(rec audit.Recorder, ref func(string) string) Option {
	return func(g *Gateway) {
		if rec != nil {
			g.audit = rec
		}
		g.sessionRef = ref
	}
}

// New constructs a Gateway.
func New(signer Signer, cfg Config, opts ...Option) (*Gateway, error) {
	if signer == nil {
		return nil, errors.New("signstream: nil signer")
	}
	g := &Gateway{
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		signer: signer,
		cfg:    cfg.withDefaults(),
		audit:  audit.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.patterns = originPatterns(g.cfg.AllowedOrigins)
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates, upgrades and runs the request loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	tok := g.tokenFrom(r)
	auth, err := g.signer.Authenticate(r.Context(), tok)
	if err != nil {
		status := http.StatusUnauthorized
		if !custody.IsKind(err, custody.KindSession) {
			status = http.StatusInternalServerError
		}
		g.log.Info("ws.reject.auth", "kind", string(custody.KindOf(err)), "remote", r.RemoteAddr)
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: g.patterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := ws.Subprotocol(); sp != Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	g.metrics.opened()
	defer g.metrics.closed()

	c := newConn(ids.MustNewULID(time.Now().UTC()), g.cfg.SendQueueSize)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := g.log.With("conn_id", c.id, "user_id", auth.UserID, "device_id", auth.DeviceID)
	log.Info("ws.open")

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			c.Close()
			_ = ws.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case env := <-c.send:
				if err := writeEnvelope(ctx, ws, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := ws.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := newWindowLimiter(g.cfg.RateEvents, g.cfg.RateWindow)
	meta := requestMeta{ip: remoteIP(r), ua: r.UserAgent()}

	// Every inbound frame counts, including ones that fail to parse.
	limited := func(id string) bool {
		if rl.Allow(time.Now().UTC()) {
			return false
		}
		g.sendFinal(ctx, ws, errorEnvelope(id, "rate_limited", "too many requests"))
		shutdown(websocket.StatusPolicyViolation, "rate limited")
		return true
	}

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, ws)
		readCancel()

		if err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			switch {
			case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
				if limited("") {
					break readLoop
				}
				g.enqueueError(ctx, c, "", "bad_json", "invalid JSON")
				continue readLoop
			case websocket.CloseStatus(err) != -1:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				shutdown(websocket.StatusNormalClosure, "idle")
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if limited(env.ID) {
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.enqueueError(ctx, c, env.ID, "bad_envelope", err.Error())
			continue readLoop
		}
		if env.Type != TypeSignRequest {
			g.enqueueError(ctx, c, env.ID, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
			continue readLoop
		}

		if terminal := g.onSignRequest(ctx, ws, c, tok, auth, env, meta, log); terminal {
			shutdown(websocket.StatusPolicyViolation, "session ended")
			break readLoop
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	log.Info("ws.close")
}

type requestMeta struct {
	ip net.IP
	ua string
}

// onSignRequest answers one sign_request. It returns true when the session is
// no longer valid and the connection must close.
func (g *Gateway) onSignRequest(ctx context.Context, ws *websocket.Conn, c *conn, tok string, auth custody.AuthContext, env Envelope, meta requestMeta, log *slog.Logger) bool {
	var p SignRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.enqueueError(ctx, c, env.ID, string(custody.KindClientParameter), "invalid payload")
		g.metrics.request(string(custody.KindClientParameter))
		return false
	}

	signed, err := g.signer.Sign(ctx, tok, p.Messages)
	if err != nil {
		kind := custody.KindOf(err)
		g.metrics.request(string(kind))
		g.record(ctx, audit.ActionSignFailed, tok, auth, meta, map[string]any{"kind": string(kind), "transport": "ws"})

		out := errorEnvelope(env.ID, string(kind), custody.MessageOf(err))
		if kind == custody.KindSession {
			log.Info("ws.session.ended", "reason", custody.MessageOf(err))
			g.sendFinal(ctx, ws, out)
			return true
		}
		g.enqueue(ctx, c, out)
		return false
	}

	g.metrics.request("ok")
	g.record(ctx, audit.ActionSignBatch, tok, auth, meta, map[string]any{"count": len(signed), "transport": "ws"})

	payload, _ := json.Marshal(SignResultPayload{SignedMessages: signed})
	res := newEnvelope(TypeSignResult, payload)
	res.ReplyTo = env.ID
	if !g.enqueue(ctx, c, res) {
		log.Warn("ws.backpressure", "type", TypeSignResult)
	}
	return false
}

func (g *Gateway) record(ctx context.Context, action, tok string, auth custody.AuthContext, meta requestMeta, extra map[string]any) {
	ev := audit.Event{
		Action:    action,
		UserID:    auth.UserID,
		IP:        meta.ip,
		UserAgent: meta.ua,
		Meta:      extra,
	}
	if g.sessionRef != nil {
		ev.SessionID = g.sessionRef(tok)
	}
	if auth.DeviceID != "" {
		ev.Meta["device_id"] = auth.DeviceID
	}
	g.audit.Record(context.WithoutCancel(ctx), ev)
}

func (g *Gateway) tokenFrom(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	if g.cookieToken != nil {
		return g.cookieToken(r)
	}
	return ""
}

// ---- send helpers ----

func (g *Gateway) enqueueError(ctx context.Context, c *conn, replyTo, code, msg string) {
	_ = g.enqueue(ctx, c, errorEnvelope(replyTo, code, msg))
}

func (g *Gateway) enqueue(ctx context.Context, c *conn, env Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.Done():
		return false
	case c.send <- env:
		return true
	default:
		return false
	}
}

// sendFinal writes env directly, ahead of the queue, before a close.
func (g *Gateway) sendFinal(ctx context.Context, ws *websocket.Conn, env Envelope) {
	_ = writeEnvelope(ctx, ws, env, g.cfg.WriteTimeout)
}

func errorEnvelope(replyTo, code, msg string) Envelope {
	p, _ := json.Marshal(ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(TypeError, p)
	env.ReplyTo = replyTo
	return env
}

func newEnvelope(typ string, payload json.RawMessage) Envelope {
	now := time.Now().UTC()
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      ids.MustNewULID(now),
		TS:      now,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, ws *websocket.Conn) (Envelope, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, ws *websocket.Conn, env Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}
