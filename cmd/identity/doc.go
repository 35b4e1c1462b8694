// Package identity owns the users table: accounts created by provisioning and
// accounts replicated from the upstream ledger feed.
//
// Users are never deleted here. Ledger attributes are optional because
// provisioned users may not have reached the ledger yet.
package identity
