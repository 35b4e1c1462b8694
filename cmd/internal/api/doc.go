// Package api exposes provisioning, signing and content hashing over HTTP.
//
// Routes:
//
//	POST /v1/provision      create or resume a device session
//	POST /v1/sign           sign a batch of messages
//	POST /v1/session/renew  extend the current session
//	POST /v1/hash           content hash of a JSON body
//	POST /v1/cid            content id of a JSON body
//
// Failures are written as {"error":{"code","message"}} where code is the
// custody failure kind.
package api
