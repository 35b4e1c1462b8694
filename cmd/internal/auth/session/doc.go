// Package session implements the custodial session lifecycle.
//
// A session binds an opaque token to (userId, deviceId) and expires after a
// fixed TTL (14 days by default). Tokens are 32 random bytes encoded as
// unpadded base64url. Only their hash is stored (HMAC-SHA256 when
// CUSTODIAN_TOKEN_HMAC_KEY is set; otherwise SHA-256 for dev).
//
// Expiry is lazy: Validate rejects expired sessions and nothing sweeps them.
// Renew extends expiry for an active session. The token doubles as the
// cookie value at the HTTP boundary.
package session
