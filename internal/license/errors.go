package license

import (
	"errors"
	"fmt"

	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

// ErrNoServer is returned when a server key is used without a configured server URL
var ErrNoServer = errors.New("no license server configured")

// DenialError is an authoritative decision about the license, from the
// server or from local key verification.
type DenialError struct {
	StatusCode int
	Code       domain.ErrorCode
	Message    string
	SeatsUsed  int
	SeatsMax   int
}

func (e *DenialError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("license denied: [%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("license denied (%d): [%s] %s", e.StatusCode, e.Code, e.Message)
}

// ErrorCode returns the stable code
func (e *DenialError) ErrorCode() domain.ErrorCode {
	return e.Code
}

// ServerError is any other non-2xx response. It says nothing about the
// license and is handled like a connectivity failure.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: [%s] %s", e.StatusCode, e.Code, e.Message)
}

// AsDenial returns the DenialError in err's chain
func AsDenial(err error) (*DenialError, bool) {
	var d *DenialError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// IsDenial reports whether err carries the given denial code
func IsDenial(err error, code domain.ErrorCode) bool {
	d, ok := AsDenial(err)
	return ok && d.Code == code
}
