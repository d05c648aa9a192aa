// Package app wires the entitlement server together: configuration, logging,
// telemetry, the store backend selected by store.driver, the entitlement
// service, the chi router and the HTTP server lifecycle.
//
// Middleware order on every route:
//
//	RequestID → RealIP → OTel → StructuredLogger → Recoverer → SecurityHeaders
//
// API routes additionally get a request timeout, the rate limiter and the
// API-key authenticator for their group (/v1 uses X-API-Key, /admin and the
// drain endpoints use X-Admin-Key).
//
// Shutdown is cooperative: when the run context is cancelled the server flips
// readiness off, waits for the configured drain duration, then stops
// accepting connections and waits for in-flight requests.
package app
