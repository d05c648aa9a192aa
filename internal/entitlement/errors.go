package entitlement

import (
	"errors"
	"fmt"

	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

// Error is an entitlement decision. Two Errors match with errors.Is when
// their codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code      domain.ErrorCode
	Message   string
	SeatsUsed int
	SeatsMax  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode returns the stable code
func (e *Error) ErrorCode() domain.ErrorCode {
	return e.Code
}

// Is matches by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrLicenseNotFound    = &Error{Code: domain.CodeLicenseNotFound, Message: "license not found"}
	ErrLicenseExpired     = &Error{Code: domain.CodeLicenseExpired, Message: "license has expired"}
	ErrLicenseRevoked     = &Error{Code: domain.CodeLicenseRevoked, Message: "license has been revoked"}
	ErrLicenseSuspended   = &Error{Code: domain.CodeLicenseSuspended, Message: "license is suspended"}
	ErrNotActivated       = &Error{Code: domain.CodeNotActivated, Message: "license is not activated on this machine"}
	ErrSeatLimitReached   = &Error{Code: domain.CodeSeatLimitReached, Message: "all seats of this license are in use"}
	ErrActivationNotFound = &Error{Code: domain.CodeActivationNotFound, Message: "no active activation for this machine"}
	ErrInvalidTransition  = &Error{Code: domain.CodeInvalidTransition, Message: "license status does not allow this change"}
	ErrInvalidExpiry      = &Error{Code: domain.CodeInvalidRequest, Message: "expiry must be in the future"}
	// ErrDuplicateLicense is returned by Store.CreateLicense on a key clash
	ErrDuplicateLicense = &Error{Code: domain.CodeLicenseExists, Message: "license key already exists"}
)

// ErrConflict is returned when a store cannot apply a snapshot because of a
// concurrent update. It is not an entitlement decision: it carries
// SERVICE_UNAVAILABLE so clients retry or fall back to their cache.
var ErrConflict error = conflictError{}

type conflictError struct{}

func (conflictError) Error() string { return "concurrent update conflict" }

// ErrorCode returns SERVICE_UNAVAILABLE
func (conflictError) ErrorCode() domain.ErrorCode { return domain.CodeServiceUnavailable }

func seatLimit(used, max int) *Error {
	return &Error{
		Code:      domain.CodeSeatLimitReached,
		Message:   fmt.Sprintf("all %d seats of this license are in use", max),
		SeatsUsed: used,
		SeatsMax:  max,
	}
}

func invalidTransition(from, to string) *Error {
	return &Error{
		Code:    domain.CodeInvalidTransition,
		Message: fmt.Sprintf("cannot %s a %s license", to, from),
	}
}

// CodeOf extracts the entitlement code from err
func CodeOf(err error) (domain.ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
