// Package http implements the HTTP handlers of the entitlement server. Handlers
// are a thin layer between the chi router and the entitlement service: they
// decode and validate requests, call the service and shape the response.
//
// # Endpoints
//
// The client API lives under /v1 and is authenticated with X-API-Key:
//
//	POST /v1/validate     check a license for a machine
//	POST /v1/activate     claim a seat
//	POST /v1/deactivate   release a seat
//	POST /v1/heartbeat    validate and schedule the next check-in
//
// Administrative endpoints live under /admin and are authenticated with
// X-Admin-Key. Operational endpoints (/livez, /readyz, /drain, /undrain) are
// served by HealthHandler.
//
// # Error Responses
//
// Entitlement denials are answered with the endpoint's own response body,
// carrying the stable code in "error" and the HTTP status from
// errors.StatusForCode:
//
//	HTTP/1.1 409 Conflict
//	{"success":false,"error":"SEAT_LIMIT_REACHED","message":"...","seatsUsed":1,"seatsMax":1}
//
// Everything else (malformed bodies, authentication, rate limiting, internal
// failures) is an RFC 7807 problem document with a "code" extension. Clients
// tell the two apart by the code, never by the message.
package http
