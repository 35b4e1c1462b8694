// Package signing signs client messages with the delegate key bound to a session.
//
// A batch is all-or-nothing: every claimed content hash is checked against the
// recomputed hash of its body before the key is decrypted, and a single failure
// rejects the whole batch. The decrypted key is zeroed as soon as the batch is
// signed.
package signing
