// Package shared holds helpers used across the licensing packages that belong
// to no single domain.
//
// testutil contains test-only helpers: a log-capturing slog handler for
// asserting on WARN events such as fingerprint drift, and a manual clock for
// driving grace windows and expiry without sleeping.
package shared
