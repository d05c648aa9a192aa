package errors

import (
	"net/http"

	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

// Problem types following RFC 7807
const (
	TypeValidation     = "/errors/validation"
	TypeNotFound       = "/errors/not-found"
	TypeUnauthorized   = "/errors/unauthorized"
	TypeRateLimit      = "/errors/rate-limit"
	TypeInternal       = "/errors/internal"
	TypeServiceDown    = "/errors/service-unavailable"
	TypeTimeout        = "/errors/timeout"
	TypeConflict       = "/errors/conflict"
	TypeLicenseDenied  = "/errors/license/denied"
	TypeLicenseKey     = "/errors/license/key"
	TypeLicenseMissing = "/errors/license/not-found"
)

// Coded is implemented by errors that carry a stable domain error code
type Coded interface {
	error
	ErrorCode() domain.ErrorCode
}

// StatusForCode maps a stable error code to its HTTP status
func StatusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeLicenseNotFound, domain.CodeActivationNotFound:
		return http.StatusNotFound
	case domain.CodeLicenseExpired, domain.CodeLicenseRevoked, domain.CodeLicenseSuspended, domain.CodeHardwareMismatch:
		return http.StatusForbidden
	case domain.CodeNotActivated:
		return http.StatusPreconditionRequired
	case domain.CodeSeatLimitReached, domain.CodeInvalidTransition, domain.CodeLicenseExists:
		return http.StatusConflict
	case domain.CodeInvalidSignature:
		return http.StatusUnprocessableEntity
	case domain.CodeMalformedKey, domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// TypeForCode maps a stable error code to its problem type URI
func TypeForCode(code domain.ErrorCode) string {
	switch code {
	case domain.CodeLicenseNotFound, domain.CodeActivationNotFound:
		return TypeLicenseMissing
	case domain.CodeLicenseExpired, domain.CodeLicenseRevoked, domain.CodeLicenseSuspended,
		domain.CodeHardwareMismatch, domain.CodeNotActivated, domain.CodeSeatLimitReached:
		return TypeLicenseDenied
	case domain.CodeInvalidSignature, domain.CodeMalformedKey:
		return TypeLicenseKey
	case domain.CodeInvalidTransition, domain.CodeLicenseExists:
		return TypeConflict
	case domain.CodeInvalidRequest:
		return TypeValidation
	case domain.CodeUnauthorized:
		return TypeUnauthorized
	case domain.CodeRateLimited:
		return TypeRateLimit
	case domain.CodeServiceUnavailable:
		return TypeServiceDown
	default:
		return TypeInternal
	}
}
