package api

import (
	"encoding/json"
	"time"

	"custodian/cmd/internal/signing"
)

type identityProof struct {
	CustodyAddress string `json:"custodyAddress"`
	Message        string `json:"message"`
	Signature      string `json:"signature"`
}

type provisionRequest struct {
	DeviceID      string         `json:"deviceId"`
	SessionID     string         `json:"sessionId"`
	IdentityProof *identityProof `json:"identityProof"`
}

type provisionResponse struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	DeviceID  string    `json:"deviceId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type signRequest struct {
	SessionID string            `json:"sessionId"`
	Messages  []signing.Message `json:"messages"`
}

type signResponse struct {
	SignedMessages []signing.Signed `json:"signedMessages"`
}

type renewResponse struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

type bodyRequest struct {
	Body json.RawMessage `json:"body"`
}

type hashResponse struct {
	ContentHash string `json:"contentHash"`
}

type cidResponse struct {
	CID string `json:"cid"`
}
