// Package signstream serves the custodian.sign.v1 WebSocket protocol: a
// session-authenticated stream of signing requests.
//
// Every frame is a JSON Envelope. Clients send sign_request; the server
// answers each with sign_result or error, echoing the request id in
// ReplyTo.
package signstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"custodian/cmd/internal/signing"
)

// Subprotocol is the negotiated WebSocket subprotocol.
const Subprotocol = "custodian.sign.v1"

// Version is embedded in every envelope.
const Version = "v1"

const (
	// TypeSignRequest carries messages to sign (client -> server).
	TypeSignRequest = "sign_request"
	// TypeSignResult carries signed messages (server -> client).
	TypeSignResult = "sign_result"
	// TypeError reports a failed request or a protocol violation (server -> client).
	TypeError = "error"
)

// Envelope is the wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the structure of a client envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	switch e.Type {
	case "":
		return errors.New("missing field: type")
	case TypeSignRequest, TypeSignResult, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// SignRequestPayload is the body of sign_request.
type SignRequestPayload struct {
	Messages []signing.Message `json:"messages"`
}

// SignResultPayload is the body of sign_result.
type SignResultPayload struct {
	SignedMessages []signing.Signed `json:"signedMessages"`
}

// ErrorPayload is the body of error. Code is a custody failure kind or a
// protocol code such as bad_json.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
