// Package license is the client side of the entitlement system. It decides,
// at application start and periodically afterwards, whether this machine may
// run the licensed product.
//
// # Sources
//
// A license key is served by one of two sources, chosen by its shape:
//
//   - ServerSource: the key is checked by the remote entitlement service over
//     HTTP, which owns seats and license status.
//   - SignedKeySource: the key is a self-signed key verified locally with the
//     shared signing secret; it never needs the network.
//
// # Startup Check
//
// Orchestrator.Check runs one remote validation bounded by the configured
// timeout and classifies the outcome:
//
//	ACTIVE           the server confirmed the seat; the offline cache is refreshed
//	NOT_ACTIVATED    the license exists but this machine holds no seat
//	DENIED           the server made an authoritative decision (revoked, expired, ...);
//	                 the offline cache is cleared and never consulted
//	OFFLINE_TRUSTED  the server was unreachable and a cached validation for the
//	                 same key and machine is still within its grace window
//	UNLICENSED       the server was unreachable and no usable cache exists
//
// A denial is never treated as a connectivity failure: a revoked license does
// not run offline on the strength of an older cached success.
//
// # Heartbeat
//
// Orchestrator.Watch sends heartbeats on the schedule suggested by the server
// and reports each result. The loop is the only retry mechanism; individual
// calls are single attempts.
package license
