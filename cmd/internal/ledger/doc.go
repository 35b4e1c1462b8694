// Package ledger replicates account attributes from an upstream ledger table
// into the local users table.
//
// The replicator polls the source for rows whose block_num is above the local
// watermark, applies them in batches, and backs off with jitter when the
// source is unavailable.
package ledger
