package errors

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"

	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

// APIError represents a transport-level failure that is not a statement about
// an entitlement: malformed bodies, authentication, rate limiting.
type APIError struct {
	StatusCode int              `json:"status_code"`
	Code       domain.ErrorCode `json:"code"`
	Message    string           `json:"message"`
	Details    interface{}      `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorCode returns the stable code carried by the error
func (e *APIError) ErrorCode() domain.ErrorCode {
	return e.Code
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// ValidationError describes one rejected request field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates a new APIError with the given parameters
func New(statusCode int, code domain.ErrorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, code domain.ErrorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Details:    details,
	}
}

// Predefined error types for common scenarios
var (
	ErrInvalidRequest     = New(http.StatusBadRequest, domain.CodeInvalidRequest, "Invalid request format")
	ErrUnauthorized       = New(http.StatusUnauthorized, domain.CodeUnauthorized, "Authentication required")
	ErrRateLimitExceeded  = New(http.StatusTooManyRequests, domain.CodeRateLimited, "Rate limit exceeded")
	ErrInternalServer     = New(http.StatusInternalServerError, domain.CodeInternal, "Internal server error")
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, domain.CodeServiceUnavailable, "Service temporarily unavailable")
)

// InvalidRequestWithError creates an invalid request error with details
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, domain.CodeInvalidRequest, "Invalid request format", err.Error())
}

// NewValidationErrors creates a request validation error from multiple fields
func NewValidationErrors(errs []ValidationError) *APIError {
	return NewWithDetails(http.StatusBadRequest, domain.CodeInvalidRequest,
		fmt.Sprintf("Request validation failed on %d field(s)", len(errs)), errs)
}
