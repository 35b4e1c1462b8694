// Package sigcrypto holds the pure signing primitives used by custodian:
// Ed25519 sign/verify over raw bytes and the canonical content hash that
// clients and the server must agree on before a message is signed.
//
// Nothing in this package retains state between calls. Callers own any key
// material they pass in and should Zero it when done.
package sigcrypto
