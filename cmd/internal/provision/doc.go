// Package provision implements device enrollment and session issuance.
//
// A request carries any of a session id, a device id, and an identity proof
// (a message signed by the custody key). The first matching branch wins:
//
//  1. Resume: a valid session bound to the supplied device is returned as is.
//  2. Returning device: a known (custody address, device) pair gets a new
//     session after the identity proof verifies.
//  3. Enrollment: a new delegate key is generated, envelope-encrypted, stored,
//     and a session is issued.
//
// The identity proof is always verified before any key lookup.
package provision
