package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/infrastructure"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

const (
	defaultTimeout   = 5 * time.Second
	maxResponseBytes = 1 << 20 // 1 MB
)

// Client talks to the entitlement service HTTP API
type Client struct {
	serverURL  string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration // applied after all options
	userAgent  string
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. Its Timeout is overridden by the
// configured client timeout.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithUserAgent sets the User-Agent header sent with requests
func WithUserAgent(ua string) ClientOption {
	return func(cl *Client) { cl.userAgent = ua }
}

// NewClient creates a client from the client configuration
func NewClient(cfg config.ClientConfig, opts ...ClientOption) *Client {
	c := &Client{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:    cfg.APIKey,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	c.httpClient.Timeout = c.timeout
	return c
}

// Validate calls POST /v1/validate
func (c *Client) Validate(ctx context.Context, req domain.ValidateRequest) (*domain.ValidateResponse, error) {
	var resp domain.ValidateResponse
	if err := c.doJSON(ctx, "/v1/validate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Activate calls POST /v1/activate
func (c *Client) Activate(ctx context.Context, req domain.ActivateRequest) (*domain.ActivateResponse, error) {
	var resp domain.ActivateResponse
	if err := c.doJSON(ctx, "/v1/activate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deactivate calls POST /v1/deactivate
func (c *Client) Deactivate(ctx context.Context, req domain.DeactivateRequest) (*domain.DeactivateResponse, error) {
	var resp domain.DeactivateResponse
	if err := c.doJSON(ctx, "/v1/deactivate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat calls POST /v1/heartbeat
func (c *Client) Heartbeat(ctx context.Context, req domain.HeartbeatRequest) (*domain.HeartbeatResponse, error) {
	var resp domain.HeartbeatResponse
	if err := c.doJSON(ctx, "/v1/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doJSON performs a POST request with a JSON body and decodes the response into dest.
// Non-2xx responses become a *DenialError or a *ServerError.
func (c *Client) doJSON(ctx context.Context, path string, body, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	if traceID := infrastructure.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Request-ID", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseError maps an error response. Endpoint denials carry "error"; problem
// documents carry "code". Only entitlement codes on a 4xx are denials.
func parseError(statusCode int, body []byte) error {
	var db domain.DenialBody
	if err := json.Unmarshal(body, &db); err != nil {
		return &ServerError{StatusCode: statusCode, Code: "UNKNOWN", Message: truncate(string(body), 256)}
	}

	code := db.Error
	if code == "" {
		code = db.Code
	}
	message := db.Message
	if message == "" {
		message = db.Detail
	}

	if statusCode >= 400 && statusCode < 500 && domain.IsEntitlementDenial(code) {
		return &DenialError{
			StatusCode: statusCode,
			Code:       code,
			Message:    message,
			SeatsUsed:  db.SeatsUsed,
			SeatsMax:   db.SeatsMax,
		}
	}
	if code == "" {
		code = "UNKNOWN"
	}
	return &ServerError{StatusCode: statusCode, Code: string(code), Message: message}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
