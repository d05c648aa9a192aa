package license

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

func TestParseError(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantDenial bool
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "endpoint denial",
			status:     http.StatusForbidden,
			body:       `{"valid":false,"error":"LICENSE_REVOKED","message":"license has been revoked"}`,
			wantDenial: true, wantCode: "LICENSE_REVOKED", wantMsg: "license has been revoked",
		},
		{
			name:       "seat limit with usage",
			status:     http.StatusConflict,
			body:       `{"success":false,"error":"SEAT_LIMIT_REACHED","message":"full","seatsUsed":2,"seatsMax":2}`,
			wantDenial: true, wantCode: "SEAT_LIMIT_REACHED", wantMsg: "full",
		},
		{
			name:       "problem document with entitlement code",
			status:     http.StatusNotFound,
			body:       `{"type":"/errors/license/not-found","status":404,"detail":"license not found","code":"LICENSE_NOT_FOUND"}`,
			wantDenial: true, wantCode: "LICENSE_NOT_FOUND", wantMsg: "license not found",
		},
		{
			name:     "unauthorized is not a denial",
			status:   http.StatusUnauthorized,
			body:     `{"type":"/errors/unauthorized","status":401,"detail":"Authentication required","code":"UNAUTHORIZED"}`,
			wantCode: "UNAUTHORIZED", wantMsg: "Authentication required",
		},
		{
			name:     "rate limited is not a denial",
			status:   http.StatusTooManyRequests,
			body:     `{"code":"RATE_LIMIT_EXCEEDED","detail":"Rate limit exceeded"}`,
			wantCode: "RATE_LIMIT_EXCEEDED", wantMsg: "Rate limit exceeded",
		},
		{
			name:     "entitlement code on 5xx is not trusted",
			status:   http.StatusBadGateway,
			body:     `{"error":"LICENSE_REVOKED"}`,
			wantCode: "LICENSE_REVOKED",
		},
		{
			name:     "html error page",
			status:   http.StatusBadGateway,
			body:     `<html><body>Bad Gateway</body></html>`,
			wantCode: "UNKNOWN", wantMsg: "<html><body>Bad Gateway</body></html>",
		},
		{
			name:     "empty json",
			status:   http.StatusInternalServerError,
			body:     `{}`,
			wantCode: "UNKNOWN",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseError(tt.status, []byte(tt.body))

			d, isDenial := AsDenial(err)
			assert.Equal(t, tt.wantDenial, isDenial)
			if tt.wantDenial {
				assert.Equal(t, domain.ErrorCode(tt.wantCode), d.Code)
				assert.Equal(t, tt.wantMsg, d.Message)
				assert.Equal(t, tt.status, d.StatusCode)
				return
			}
			var se *ServerError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.wantCode, se.Code)
			assert.Equal(t, tt.wantMsg, se.Message)
		})
	}
}

func TestParseErrorSeatUsage(t *testing.T) {
	err := parseError(http.StatusConflict, []byte(`{"error":"SEAT_LIMIT_REACHED","seatsUsed":1,"seatsMax":1}`))
	d, ok := AsDenial(err)
	require.True(t, ok)
	assert.Equal(t, 1, d.SeatsUsed)
	assert.Equal(t, 1, d.SeatsMax)
	assert.True(t, IsDenial(err, domain.CodeSeatLimitReached))
	assert.False(t, IsDenial(err, domain.CodeLicenseRevoked))
}

func TestClientSendsCredentials(t *testing.T) {
	var gotKey, gotUA, gotCT string
	var gotBody domain.ActivateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/activate", r.URL.Path)
		gotKey = r.Header.Get("X-API-Key")
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(domain.ActivateResponse{Success: true, Plan: "pro", SeatsUsed: 1, SeatsMax: 2})
	}))
	defer srv.Close()

	c := NewClient(config.ClientConfig{ServerURL: srv.URL + "/", APIKey: "client-key", UserAgent: "licensectl/test"})
	resp, err := c.Activate(context.Background(), domain.ActivateRequest{LicenseKey: "K", HardwareID: "H", MachineName: "desk"})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.SeatsMax)
	assert.Equal(t, "client-key", gotKey)
	assert.Equal(t, "licensectl/test", gotUA)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "desk", gotBody.MachineName)
}

func TestClientTimeoutIsNotADenial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(config.ClientConfig{ServerURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Validate(context.Background(), domain.ValidateRequest{LicenseKey: "K", HardwareID: "H"})

	require.Error(t, err)
	_, denied := AsDenial(err)
	assert.False(t, denied)
}

func TestClientContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(config.ClientConfig{ServerURL: srv.URL})
	_, err := c.Heartbeat(ctx, domain.HeartbeatRequest{LicenseKey: "K", HardwareID: "H"})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClientMalformedSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("{", 10)))
	}))
	defer srv.Close()

	c := NewClient(config.ClientConfig{ServerURL: srv.URL})
	_, err := c.Deactivate(context.Background(), domain.DeactivateRequest{LicenseKey: "K", HardwareID: "H"})
	assert.ErrorContains(t, err, "decode response")
}
