package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"custodian/cmd/identity"
	"custodian/cmd/internal/audit"
	"custodian/cmd/internal/auth/session"
	"custodian/cmd/internal/custody"
	"custodian/cmd/internal/keys"
	"custodian/cmd/internal/provision"
	"custodian/cmd/internal/ratelimit"
	"custodian/cmd/internal/signing"
	"custodian/cmd/security/sigcrypto"
	"custodian/cmd/security/token"
)

type prefixEncryptor struct{}

func (prefixEncryptor) Encrypt(_ context.Context, keyRef string, plaintext []byte) ([]byte, error) {
	return append([]byte(keyRef+"|"), plaintext...), nil
}

func (prefixEncryptor) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	_, pt, ok := bytes.Cut(ciphertext, []byte("|"))
	if !ok {
		return nil, errors.New("bad ciphertext")
	}
	return bytes.Clone(pt), nil
}

type testEnv struct {
	ts       *httptest.Server
	audit    *audit.Memory
	sessions *session.Manager
	now      atomic.Int64
}

func (e *testEnv) clock() time.Time { return time.Unix(0, e.now.Load()).UTC() }

func (e *testEnv) advance(d time.Duration) { e.now.Add(int64(d)) }

func newTestEnv(t *testing.T, opts ...HandlerOption) *testEnv {
	t.Helper()

	e := &testEnv{audit: &audit.Memory{}}
	e.now.Store(time.Now().UTC().Truncate(time.Second).UnixNano())

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.sessions = session.NewManager(session.DefaultConfig(), session.NewMemoryStore(), token.NewHasher(nil))
	ks := keys.NewMemoryStore()

	prov, err := provision.New(e.sessions, ks, identity.NewMemoryStore(), prefixEncryptor{},
		provision.Config{KeyRef: "test/key"},
		provision.WithLogger(log), provision.WithClock(e.clock),
	)
	if err != nil {
		t.Fatalf("provision.New: %v", err)
	}
	signer, err := signing.New(e.sessions, ks, prefixEncryptor{}, signing.Config{},
		signing.WithLogger(log), signing.WithClock(e.clock),
	)
	if err != nil {
		t.Fatalf("signing.New: %v", err)
	}

	opts = append([]HandlerOption{WithAudit(e.audit), WithClock(e.clock)}, opts...)
	h, err := NewHandler(log, Config{MaxBodyBytes: 1 << 20}, prov, signer, e.sessions, opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	e.ts = httptest.NewServer(mux)
	t.Cleanup(e.ts.Close)
	return e
}

func (e *testEnv) post(t *testing.T, path string, body any, hdr map[string]string, cookies ...*http.Cookie) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

func expectError(t *testing.T, resp *http.Response, body []byte, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status=%d want %d body=%s", resp.StatusCode, status, body)
	}
	er := decode[errorResponse](t, body)
	if er.Error.Code != code {
		t.Fatalf("code=%q want %q", er.Error.Code, code)
	}
}

type custodyKey struct {
	pub  string
	seed []byte
}

func newCustodyKey(t *testing.T) custodyKey {
	t.Helper()
	pub, seed, err := sigcrypto.GenerateDelegateKey(nil)
	if err != nil {
		t.Fatalf("GenerateDelegateKey: %v", err)
	}
	return custodyKey{pub: hex.EncodeToString(pub), seed: seed}
}

func (k custodyKey) proof(t *testing.T, msg string) *identityProof {
	t.Helper()
	sig, err := sigcrypto.Sign([]byte(msg), k.seed)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return &identityProof{CustodyAddress: k.pub, Message: msg, Signature: hex.EncodeToString(sig)}
}

func sessionCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == "custodian_session" {
			return c
		}
	}
	t.Fatalf("no session cookie set")
	return nil
}

func TestProvisionThenSign(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ck := newCustodyKey(t)

	resp, body := e.post(t, "/v1/provision", provisionRequest{IdentityProof: ck.proof(t, "sign in")}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("provision status=%d body=%s", resp.StatusCode, body)
	}
	pr := decode[provisionResponse](t, body)
	if pr.UserID == "" || len(pr.SessionID) < 32 || pr.DeviceID == "" {
		t.Fatalf("unexpected provision response %+v", pr)
	}
	if c := sessionCookie(t, resp); c.Value != pr.SessionID || !c.HttpOnly {
		t.Fatalf("cookie does not carry session: %+v", c)
	}

	msgBody := json.RawMessage(`{"rid":"7","type":1}`)
	resp, body = e.post(t, "/v1/hash", bodyRequest{Body: msgBody}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hash status=%d", resp.StatusCode)
	}
	hash := decode[hashResponse](t, body).ContentHash

	resp, body = e.post(t, "/v1/sign", signRequest{
		Messages: []signing.Message{{Body: msgBody, ContentHash: hash}},
	}, map[string]string{"Authorization": "Bearer " + pr.SessionID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign status=%d body=%s", resp.StatusCode, body)
	}
	sr := decode[signResponse](t, body)
	if len(sr.SignedMessages) != 1 || sr.SignedMessages[0].ContentHash != hash {
		t.Fatalf("unexpected sign response %+v", sr)
	}
	sm := sr.SignedMessages[0]
	if !sigcrypto.VerifyHex(string(mustHex(t, sm.ContentHash)), sm.Signature, sm.Signer) {
		t.Fatalf("returned signature does not verify against signer")
	}

	want := []string{audit.ActionProvisionEnroll, audit.ActionSignBatch}
	if got := e.audit.Actions(); !slices.Equal(got, want) {
		t.Fatalf("audit actions=%v want %v", got, want)
	}
	ev := e.audit.Events()[1]
	if ev.UserID != pr.UserID || ev.SessionID != e.sessions.StorageID(pr.SessionID) || ev.SessionID == pr.SessionID {
		t.Fatalf("audit must carry user and hashed session: %+v", ev)
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex: %v", err)
	}
	return b
}

func TestProvision_ResumeFromCookie(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ck := newCustodyKey(t)

	resp, body := e.post(t, "/v1/provision", provisionRequest{IdentityProof: ck.proof(t, "hi")}, nil)
	first := decode[provisionResponse](t, body)
	cookie := sessionCookie(t, resp)

	resp, body = e.post(t, "/v1/provision", provisionRequest{DeviceID: first.DeviceID}, nil, cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status=%d body=%s", resp.StatusCode, body)
	}
	again := decode[provisionResponse](t, body)
	if again.SessionID != first.SessionID || again.UserID != first.UserID {
		t.Fatalf("resume issued a different session: %+v vs %+v", again, first)
	}
	if got := e.audit.Actions(); got[len(got)-1] != audit.ActionProvisionResume {
		t.Fatalf("audit actions=%v", got)
	}

	// Returning device with a fresh proof gets a new session on the same account.
	resp, body = e.post(t, "/v1/provision", provisionRequest{DeviceID: first.DeviceID, IdentityProof: ck.proof(t, "again")}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("returning status=%d body=%s", resp.StatusCode, body)
	}
	ret := decode[provisionResponse](t, body)
	if ret.UserID != first.UserID || ret.SessionID == first.SessionID {
		t.Fatalf("unexpected returning response %+v", ret)
	}
	if got := e.audit.Actions(); got[len(got)-1] != audit.ActionProvisionReturning {
		t.Fatalf("audit actions=%v", got)
	}
}

func TestProvision_Failures(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ck := newCustodyKey(t)
	other := newCustodyKey(t)

	forged := ck.proof(t, "hello")
	forged.CustodyAddress = other.pub

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "no proof no session", body: provisionRequest{}, status: http.StatusBadRequest, code: string(custody.KindClientParameter)},
		{name: "forged proof", body: provisionRequest{IdentityProof: forged}, status: http.StatusUnauthorized, code: string(custody.KindAuthentication)},
		{name: "bad device id", body: provisionRequest{DeviceID: "bad id!", IdentityProof: ck.proof(t, "x")}, status: http.StatusBadRequest, code: string(custody.KindClientParameter)},
		{name: "unknown field", body: `{"nope":1}`, status: http.StatusBadRequest, code: string(custody.KindClientParameter)},
		{name: "trailing data", body: `{} {}`, status: http.StatusBadRequest, code: string(custody.KindClientParameter)},
	}
	for _, tc := range cases {
		resp, body := e.post(t, "/v1/provision", tc.body, nil)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: status=%d want %d body=%s", tc.name, resp.StatusCode, tc.status, body)
		}
		if got := decode[errorResponse](t, body).Error.Code; got != tc.code {
			t.Fatalf("%s: code=%q want %q", tc.name, got, tc.code)
		}
	}

	failed := 0
	for _, a := range e.audit.Actions() {
		if a == audit.ActionProvisionFailed {
			failed++
		}
	}
	// Body decoding failures are rejected before the protocol runs.
	if failed != 3 {
		t.Fatalf("provision.failed events=%d want 3", failed)
	}
}

func TestProvision_DeviceIDScopedToCustodyAddress(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	a := newCustodyKey(t)
	b := newCustodyKey(t)

	resp, _ := e.post(t, "/v1/provision", provisionRequest{DeviceID: "shared-device", IdentityProof: a.proof(t, "a")}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first enroll status=%d", resp.StatusCode)
	}
	// Same custody address and device: the returning branch answers, not a conflict.
	resp, _ = e.post(t, "/v1/provision", provisionRequest{DeviceID: "shared-device", IdentityProof: a.proof(t, "a2")}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("returning status=%d", resp.StatusCode)
	}
	// A different custody address may enroll the same device id.
	resp, _ = e.post(t, "/v1/provision", provisionRequest{DeviceID: "shared-device", IdentityProof: b.proof(t, "b")}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second custody address status=%d", resp.StatusCode)
	}
}

func TestProvision_RateLimited(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, WithProvisionLimiter(ratelimit.NewMapLimiter(0.001, 1, time.Minute)))
	ck := newCustodyKey(t)

	resp, _ := e.post(t, "/v1/provision", provisionRequest{IdentityProof: ck.proof(t, "1")}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first status=%d", resp.StatusCode)
	}
	resp, body := e.post(t, "/v1/provision", provisionRequest{IdentityProof: ck.proof(t, "2")}, nil)
	expectError(t, resp, body, http.StatusTooManyRequests, "rate_limited")
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if got := e.audit.Actions(); got[len(got)-1] != audit.ActionProvisionLimited {
		t.Fatalf("audit actions=%v", got)
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis unavailable")
}

func TestProvision_LimiterErrorFailsOpen(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, WithProvisionLimiter(brokenLimiter{}))
	ck := newCustodyKey(t)
	resp, body := e.post(t, "/v1/provision", provisionRequest{IdentityProof: ck.proof(t, "1")}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
}

func TestSign_Failures(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ck := newCustodyKey(t)
	_, body := e.post(t, "/v1/provision", provisionRequest{IdentityProof: ck.proof(t, "x")}, nil)
	pr := decode[provisionResponse](t, body)

	good, _ := sigcrypto.ContentHashHex(json.RawMessage(`{"rid":"7","type":1}`))

	// Unknown session.
	resp, body := e.post(t, "/v1/sign", signRequest{
		SessionID: "not-a-session",
		Messages:  []signing.Message{{Body: json.RawMessage(`{"rid":"7","type":1}`), ContentHash: good}},
	}, nil)
	expectError(t, resp, body, http.StatusNotFound, string(custody.KindSession))

	// Hash mismatch.
	resp, body = e.post(t, "/v1/sign", signRequest{
		SessionID: pr.SessionID,
		Messages:  []signing.Message{{Body: json.RawMessage(`{"rid":"8","type":1}`), ContentHash: good}},
	}, nil)
	expectError(t, resp, body, http.StatusBadRequest, string(custody.KindIntegrity))

	// Empty batch.
	resp, body = e.post(t, "/v1/sign", signRequest{SessionID: pr.SessionID}, nil)
	expectError(t, resp, body, http.StatusBadRequest, string(custody.KindClientParameter))

	// Expired session.
	e.advance(15 * 24 * time.Hour)
	resp, body = e.post(t, "/v1/sign", signRequest{
		SessionID: pr.SessionID,
		Messages:  []signing.Message{{Body: json.RawMessage(`{"rid":"7","type":1}`), ContentHash: good}},
	}, nil)
	expectError(t, resp, body, http.StatusNotFound, string(custody.KindSession))
	if msg := decode[errorResponse](t, body).Error.Message; msg != "session expired" {
		t.Fatalf("message=%q", msg)
	}

	for _, a := range e.audit.Actions()[1:] {
		if a != audit.ActionSignFailed {
			t.Fatalf("unexpected audit action %q", a)
		}
	}
}

func TestSign_SessionFromCookie(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ck := newCustodyKey(t)
	resp, _ := e.post(t, "/v1/provision", provisionRequest{IdentityProof: ck.proof(t, "x")}, nil)
	cookie := sessionCookie(t, resp)

	h, _ := sigcrypto.ContentHashHex(json.RawMessage(`{"a":1}`))
	resp, body := e.post(t, "/v1/sign", signRequest{
		Messages: []signing.Message{{Body: json.RawMessage(`{"a":1}`), ContentHash: h}},
	}, nil, cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
}

func TestRenew(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	ck := newCustodyKey(t)
	resp, body := e.post(t, "/v1/provision", provisionRequest{IdentityProof: ck.proof(t, "x")}, nil)
	pr := decode[provisionResponse](t, body)
	cookie := sessionCookie(t, resp)

	e.advance(10 * 24 * time.Hour)
	resp, body = e.post(t, "/v1/session/renew", nil, nil, cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("renew status=%d body=%s", resp.StatusCode, body)
	}
	rr := decode[renewResponse](t, body)
	if !rr.ExpiresAt.After(pr.ExpiresAt) {
		t.Fatalf("expiry not extended: %v -> %v", pr.ExpiresAt, rr.ExpiresAt)
	}
	if want := e.clock().Add(14 * 24 * time.Hour); !rr.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt=%v want %v", rr.ExpiresAt, want)
	}
	sessionCookie(t, resp)

	resp, body = e.post(t, "/v1/session/renew", nil, nil)
	expectError(t, resp, body, http.StatusNotFound, string(custody.KindSession))
}

func TestHashAndCID(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	resp, body := e.post(t, "/v1/hash", `{"body":{"type":1,"rid":"7"}}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hash status=%d", resp.StatusCode)
	}
	want, _ := sigcrypto.ContentHashHex(json.RawMessage(`{"rid":"7","type":1}`))
	if got := decode[hashResponse](t, body).ContentHash; got != want {
		t.Fatalf("hash=%s want %s", got, want)
	}

	resp, body = e.post(t, "/v1/cid", `{"body":{"rid":"7","type":1}}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cid status=%d", resp.StatusCode)
	}
	if got := decode[cidResponse](t, body).CID; !strings.HasPrefix(got, "bafyrei") {
		t.Fatalf("cid=%s", got)
	}

	resp, body = e.post(t, "/v1/hash", `{}`, nil)
	expectError(t, resp, body, http.StatusBadRequest, string(custody.KindClientParameter))

	r, err := e.ts.Client().Get(e.ts.URL + "/v1/cid")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d", r.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := map[custody.Kind]int{
		custody.KindClientParameter: http.StatusBadRequest,
		custody.KindIntegrity:       http.StatusBadRequest,
		custody.KindAuthentication:  http.StatusUnauthorized,
		custody.KindSession:         http.StatusNotFound,
		custody.KindKeyNotFound:     http.StatusNotFound,
		custody.KindDuplicateKey:    http.StatusConflict,
		custody.KindProvider:        http.StatusInternalServerError,
		custody.Kind("other"):       http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusFor(kind); got != want {
			t.Fatalf("statusFor(%s)=%d want %d", kind, got, want)
		}
	}
}

func TestWriteFailure_HidesCause(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeFailure(rec, custody.Fail("op", custody.KindProvider, "key decryption failed", errors.New("kms: arn:aws:kms:secret-detail")))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "arn:aws") {
		t.Fatalf("provider detail leaked: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	writeFailure(rec, errors.New("raw"))
	if got := decode[errorResponse](t, rec.Body.Bytes()).Error; got.Code != string(custody.KindProvider) || got.Message != "internal error" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodPost, "/v1/provision", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(r, false); got.String() != "10.1.2.3" {
		t.Fatalf("untrusted proxy ip=%v", got)
	}
	if got := clientIP(r, true); got.String() != "203.0.113.9" {
		t.Fatalf("trusted proxy ip=%v", got)
	}
	if limiterKey(nil) != "unknown" {
		t.Fatalf("nil ip key")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CUSTODIAN_PROVISION_RPS", "0")
	t.Setenv("CUSTODIAN_PROVISION_BURST", "-3")
	t.Setenv("CUSTODIAN_PROVISION_WINDOW", "30s")

	cfg := LoadConfigFromEnv()
	if cfg.ProvisionRPS != 0 || cfg.ProvisionBurst != 10 || cfg.ProvisionWindow != 30*time.Second || cfg.MaxBodyBytes != 4<<20 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(nil, Config{}, nil, nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}
