// Package keys persists delegate key records: one Ed25519 keypair per
// (user, custody address, device), with the private half stored only as
// KMS ciphertext.
//
// Duplicate enrollments are rejected by the database unique constraints,
// not by application locks. Nothing on the signing path deletes a record.
package keys
