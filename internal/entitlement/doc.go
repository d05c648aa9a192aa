// Package entitlement implements the server-side seat state machine.
//
// A License owns a bounded number of seats (MaxActivations). Each machine that
// uses the license holds one active Activation row, identified by its
// hardware fingerprint. The Service exposes validate, activate, deactivate
// and heartbeat plus the administrative status transitions, and runs every
// operation as a single Store.Update unit of work so concurrent requests for
// the same license cannot both observe a free seat.
//
// # Stores
//
// Store implementations must serialize Update calls per license and commit
// the Snapshot changes atomically, only when the callback returns nil:
//
//   - MemoryStore (this package): per-license mutex
//   - postgres.Store: SELECT ... FOR UPDATE inside a transaction
//   - mongostore.Store: optimistic version check with bounded retry
//
// The callback may run more than once. It must reassign every value it
// communicates to the caller on each run.
//
// # License lifecycle
//
//	ACTIVE ──(expiresAt passed, observed lazily)──> EXPIRED ──renew──> ACTIVE
//	ACTIVE ──suspend──> SUSPENDED ──reinstate──> ACTIVE
//	any    ──revoke───> REVOKED (terminal)
package entitlement
