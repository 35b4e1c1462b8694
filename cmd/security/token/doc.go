// Package token provides opaque token generation and hashing for session ids.
//
// Session tokens are never stored. The server keeps a 64-char hex digest:
//   - HMAC-SHA256(token, key) when CUSTODIAN_TOKEN_HMAC_KEY is set.
//   - SHA-256(token) otherwise (development).
//
// When CUSTODIAN_REQUIRE_TOKEN_HMAC=true the application refuses to start
// without a key of at least MinHMACKeyBytes.
package token
