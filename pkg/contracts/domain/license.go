// Package domain contains the wire contracts shared by the entitlement server and its clients.
// These types are the single source of truth for request and response payloads and for the
// stable error codes that client logic must match exactly.
package domain

import (
	"time"
)

// ErrorCode is a stable, locale-independent error identifier.
type ErrorCode string

// Entitlement error codes. Clients branch on these, never on message text.
const (
	CodeLicenseNotFound    ErrorCode = "LICENSE_NOT_FOUND"
	CodeLicenseExpired     ErrorCode = "LICENSE_EXPIRED"
	CodeLicenseRevoked     ErrorCode = "LICENSE_REVOKED"
	CodeLicenseSuspended   ErrorCode = "LICENSE_SUSPENDED"
	CodeNotActivated       ErrorCode = "NOT_ACTIVATED"
	CodeSeatLimitReached   ErrorCode = "SEAT_LIMIT_REACHED"
	CodeActivationNotFound ErrorCode = "ACTIVATION_NOT_FOUND"
	CodeHardwareMismatch   ErrorCode = "HARDWARE_MISMATCH"
	CodeInvalidSignature   ErrorCode = "INVALID_SIGNATURE"
	CodeMalformedKey       ErrorCode = "MALFORMED_KEY"
	CodeInvalidTransition  ErrorCode = "INVALID_STATE_TRANSITION"
)

// Transport-level codes. These never describe the state of an entitlement.
const (
	CodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	CodeLicenseExists      ErrorCode = "LICENSE_ALREADY_EXISTS"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeRateLimited        ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// IsEntitlementDenial reports whether code is an authoritative statement about the
// entitlement itself, as opposed to a transport or server failure.
func IsEntitlementDenial(code ErrorCode) bool {
	switch code {
	case CodeLicenseNotFound, CodeLicenseExpired, CodeLicenseRevoked, CodeLicenseSuspended,
		CodeNotActivated, CodeSeatLimitReached, CodeActivationNotFound, CodeHardwareMismatch,
		CodeInvalidSignature, CodeMalformedKey:
		return true
	}
	return false
}

// LicenseStatus represents the server-side state of a license
type LicenseStatus string

const (
	LicenseStatusActive    LicenseStatus = "ACTIVE"
	LicenseStatusExpired   LicenseStatus = "EXPIRED"
	LicenseStatusRevoked   LicenseStatus = "REVOKED"
	LicenseStatusSuspended LicenseStatus = "SUSPENDED"
)

// ValidateRequest is the payload of POST /v1/validate
type ValidateRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,max=128"`
	HardwareID string `json:"hardwareId" validate:"required,max=128"`
}

// ValidateResponse is returned by POST /v1/validate
type ValidateResponse struct {
	Valid       bool       `json:"valid"`
	Plan        string     `json:"plan,omitempty"`
	Features    []string   `json:"features,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	SeatsUsed   int        `json:"seatsUsed,omitempty"`
	SeatsMax    int        `json:"seatsMax,omitempty"`
	ValidatedAt *time.Time `json:"validatedAt,omitempty"`
	Error       ErrorCode  `json:"error,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// ActivateRequest is the payload of POST /v1/activate
type ActivateRequest struct {
	LicenseKey  string `json:"licenseKey" validate:"required,max=128"`
	HardwareID  string `json:"hardwareId" validate:"required,max=128"`
	MachineName string `json:"machineName" validate:"max=255"`
}

// ActivateResponse is returned by POST /v1/activate. Seat usage is reported on
// SEAT_LIMIT_REACHED as well so the client can present a precise message.
type ActivateResponse struct {
	Success     bool       `json:"success"`
	Plan        string     `json:"plan,omitempty"`
	Features    []string   `json:"features,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	SeatsUsed   int        `json:"seatsUsed"`
	SeatsMax    int        `json:"seatsMax"`
	ValidatedAt *time.Time `json:"validatedAt,omitempty"`
	Error       ErrorCode  `json:"error,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// DeactivateRequest is the payload of POST /v1/deactivate
type DeactivateRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,max=128"`
	HardwareID string `json:"hardwareId" validate:"required,max=128"`
}

// DeactivateResponse is returned by POST /v1/deactivate
type DeactivateResponse struct {
	Success              bool      `json:"success"`
	RemainingActivations int       `json:"remainingActivations"`
	Error                ErrorCode `json:"error,omitempty"`
	Message              string    `json:"message,omitempty"`
}

// HeartbeatRequest is the payload of POST /v1/heartbeat
type HeartbeatRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,max=128"`
	HardwareID string `json:"hardwareId" validate:"required,max=128"`
}

// HeartbeatResponse is returned by POST /v1/heartbeat
type HeartbeatResponse struct {
	Valid       bool       `json:"valid"`
	Plan        string     `json:"plan,omitempty"`
	Features    []string   `json:"features,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	SeatsUsed   int        `json:"seatsUsed,omitempty"`
	SeatsMax    int        `json:"seatsMax,omitempty"`
	NextCheckIn *time.Time `json:"nextCheckIn,omitempty"`
	ValidatedAt *time.Time `json:"validatedAt,omitempty"`
	Error       ErrorCode  `json:"error,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// DenialBody is the common subset of every denial response. Clients decode
// error responses into it regardless of the endpoint.
type DenialBody struct {
	Error     ErrorCode `json:"error"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail"`
	SeatsUsed int       `json:"seatsUsed"`
	SeatsMax  int       `json:"seatsMax"`
}

// IssueLicenseRequest is the payload of POST /admin/licenses. It is what an
// order-completion producer sends once a purchase settles.
type IssueLicenseRequest struct {
	LicenseKey     string     `json:"licenseKey,omitempty" validate:"omitempty,min=8,max=128"`
	UserID         string     `json:"userId" validate:"required,max=128"`
	Plan           string     `json:"plan" validate:"required,max=64"`
	Features       []string   `json:"features,omitempty" validate:"max=64,dive,max=64"`
	MaxActivations int        `json:"maxActivations" validate:"min=0,max=10000"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

// StatusChangeRequest is the payload of the revoke and suspend admin endpoints
type StatusChangeRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=512"`
}

// RenewRequest is the payload of POST /admin/licenses/{key}/renew. A nil
// expiry renews the license as perpetual.
type RenewRequest struct {
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// LicenseView is the admin representation of a license
type LicenseView struct {
	ID             string        `json:"id"`
	LicenseKey     string        `json:"licenseKey"`
	UserID         string        `json:"userId"`
	Plan           string        `json:"plan"`
	Features       []string      `json:"features,omitempty"`
	MaxActivations int           `json:"maxActivations"`
	Status         LicenseStatus `json:"status"`
	ExpiresAt      *time.Time    `json:"expiresAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// ActivationView is the admin representation of an activation row
type ActivationView struct {
	ID            string     `json:"id"`
	HardwareID    string     `json:"hardwareId"`
	MachineName   string     `json:"machineName,omitempty"`
	ActivatedAt   time.Time  `json:"activatedAt"`
	LastCheckIn   time.Time  `json:"lastCheckIn"`
	IsActive      bool       `json:"isActive"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
}

// SignedKeyRequest is the payload of POST /admin/keys
type SignedKeyRequest struct {
	LicenseID string     `json:"licenseId,omitempty" validate:"omitempty,alphanum,max=16"`
	Tier      string     `json:"tier" validate:"required,alphanum,max=16"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	BindTo    string     `json:"bindTo,omitempty" validate:"max=128"`
}

// SignedKeyResponse is returned by POST /admin/keys
type SignedKeyResponse struct {
	LicenseKey string `json:"licenseKey"`
}
