//go:build ignore

// Command sign-smoke is a CI-friendly end-to-end check of a running custodian.
//
// It validates:
//   - provisioning with a freshly generated custody key
//   - content hashing via /v1/hash
//   - HTTP signing via /v1/sign
//   - streamed signing over /v1/sign/stream (subprotocol custodian.sign.v1)
//   - every returned signature verifies locally against the returned signer
//
// Usage: go run tools/scripts/sign-smoke.go -base http://127.0.0.1:8080
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"custodian/cmd/security/sigcrypto"
)

const (
	subprotocol  = "custodian.sign.v1"
	maxReadBytes = 1 << 20
)

type envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type message struct {
	Body        json.RawMessage `json:"body"`
	ContentHash string          `json:"contentHash"`
}

type signed struct {
	Signer      string `json:"signer"`
	ContentHash string `json:"contentHash"`
	Signature   string `json:"signature"`
}

type provisionResponse struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
}

func main() {
	var (
		base    = flag.String("base", "http://127.0.0.1:8080", "custodian base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header for the WebSocket handshake")
		timeout = flag.Duration("timeout", 10*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	baseURL, err := url.Parse(strings.TrimRight(*base, "/"))
	if err != nil || (baseURL.Scheme != "http" && baseURL.Scheme != "https") || baseURL.Host == "" {
		fatalf("invalid -base %q", *base)
	}
	client := &http.Client{Timeout: *timeout}

	prov := mustProvision(client, baseURL.String())
	if *verbose {
		fmt.Printf("provisioned: user=%s device=%s\n", prov.UserID, prov.DeviceID)
	}

	body := json.RawMessage(fmt.Sprintf(`{"rid":"smoke-%d","type":1}`, time.Now().UnixNano()))
	hash := mustHash(client, baseURL.String(), body)

	httpSigned := mustSignHTTP(client, baseURL.String(), prov.SessionID, message{Body: body, ContentHash: hash})
	mustVerify("http", httpSigned, hash)

	wsSigned := mustSignStream(baseURL, *origin, prov.SessionID, message{Body: body, ContentHash: hash}, *timeout)
	mustVerify("stream", wsSigned, hash)

	if httpSigned.Signer != wsSigned.Signer {
		fatalf("signer mismatch: http=%s stream=%s", httpSigned.Signer, wsSigned.Signer)
	}
	fmt.Printf("OK: user=%s signer=%s hash=%s\n", prov.UserID, httpSigned.Signer, hash)
}

func mustProvision(client *http.Client, base string) provisionResponse {
	pub, seed, err := sigcrypto.GenerateDelegateKey(nil)
	if err != nil {
		fatalf("generate custody key: %v", err)
	}
	msg := fmt.Sprintf("custodian smoke %s", time.Now().UTC().Format(time.RFC3339))
	sig, err := sigcrypto.Sign([]byte(msg), seed)
	if err != nil {
		fatalf("sign identity proof: %v", err)
	}

	var out provisionResponse
	mustPost(client, base+"/v1/provision", nil, map[string]any{
		"identityProof": map[string]string{
			"custodyAddress": hex.EncodeToString(pub),
			"message":        msg,
			"signature":      hex.EncodeToString(sig),
		},
	}, &out)
	if out.UserID == "" || len(out.SessionID) < 32 || out.DeviceID == "" {
		fatalf("provision: incomplete response %+v", out)
	}
	return out
}

func mustHash(client *http.Client, base string, body json.RawMessage) string {
	var out struct {
		ContentHash string `json:"contentHash"`
	}
	mustPost(client, base+"/v1/hash", nil, map[string]any{"body": body}, &out)

	local, err := sigcrypto.ContentHashHex(body)
	if err != nil {
		fatalf("local hash: %v", err)
	}
	if out.ContentHash != local {
		fatalf("hash mismatch: server=%s local=%s", out.ContentHash, local)
	}
	return local
}

func mustSignHTTP(client *http.Client, base, sessionID string, m message) signed {
	var out struct {
		SignedMessages []signed `json:"signedMessages"`
	}
	hdr := http.Header{"Authorization": []string{"Bearer " + sessionID}}
	mustPost(client, base+"/v1/sign", hdr, map[string]any{"messages": []message{m}}, &out)
	if len(out.SignedMessages) != 1 {
		fatalf("sign: want 1 signed message, got %d", len(out.SignedMessages))
	}
	return out.SignedMessages[0]
}

func mustSignStream(base *url.URL, origin, sessionID string, m message, stepTimeout time.Duration) signed {
	wsURL := *base
	wsURL.Scheme = "ws"
	if base.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path = strings.TrimRight(base.Path, "/") + "/v1/sign/stream"

	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+sessionID)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL.String(), &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("stream connect: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	if got := conn.Subprotocol(); got != subprotocol {
		fatalf("stream subprotocol: got %q want %q", got, subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	reqID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	req := envelope{
		V:       "v1",
		Type:    "sign_request",
		ID:      reqID,
		TS:      time.Now().UTC(),
		Payload: mustJSON(map[string]any{"messages": []message{m}}),
	}
	if err := conn.Write(ctx, websocket.MessageText, mustJSON(req)); err != nil {
		fatalf("stream write: %v", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			fatalf("stream read: %v", err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			fatalf("stream: bad frame %q: %v", data, err)
		}
		if env.ReplyTo != reqID {
			continue
		}
		switch env.Type {
		case "sign_result":
			var p struct {
				SignedMessages []signed `json:"signedMessages"`
			}
			if err := json.Unmarshal(env.Payload, &p); err != nil || len(p.SignedMessages) != 1 {
				fatalf("stream: bad sign_result %s", env.Payload)
			}
			return p.SignedMessages[0]
		case "error":
			fatalf("stream: server error %s", env.Payload)
		}
	}
}

func mustVerify(via string, s signed, hash string) {
	if s.ContentHash != hash {
		fatalf("%s: contentHash mismatch: got %s want %s", via, s.ContentHash, hash)
	}
	digest, err := hex.DecodeString(hash)
	if err != nil {
		fatalf("%s: decode hash: %v", via, err)
	}
	if !sigcrypto.VerifyHex(string(digest), s.Signature, s.Signer) {
		fatalf("%s: signature does not verify against %s", via, s.Signer)
	}
}

func mustPost(client *http.Client, target string, hdr http.Header, in, out any) {
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(mustJSON(in)))
	if err != nil {
		fatalf("build request %s: %v", target, err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		fatalf("POST %s: %v", target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		fatalf("POST %s: read body: %v", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		fatalf("POST %s: status %d: %s", target, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		fatalf("POST %s: decode: %v", target, errors.Join(err, fmt.Errorf("body=%q", raw)))
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	return b
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
