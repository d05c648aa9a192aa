package license

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/licensekey"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

// Kind identifies a license source
type Kind string

const (
	KindServer    Kind = "server"
	KindSignedKey Kind = "signed_key"
)

// Grant is a positive validation outcome
type Grant struct {
	Source      Kind
	LicenseKey  string
	Plan        string
	Features    []string
	ExpiresAt   *time.Time
	SeatsUsed   int
	SeatsMax    int
	ValidatedAt time.Time
	NextCheckIn *time.Time
}

// Source validates one license key for a machine
type Source interface {
	Kind() Kind
	Validate(ctx context.Context, hardwareID string) (*Grant, error)
	Activate(ctx context.Context, hardwareID, machineName string) (*Grant, error)
}

// ServerSource checks a key against the entitlement service
type ServerSource struct {
	client *Client
	key    string
}

// NewServerSource creates a source for key served by client
func NewServerSource(client *Client, key string) *ServerSource {
	return &ServerSource{client: client, key: key}
}

// Kind implements Source
func (s *ServerSource) Kind() Kind { return KindServer }

// Validate implements Source
func (s *ServerSource) Validate(ctx context.Context, hardwareID string) (*Grant, error) {
	resp, err := s.client.Validate(ctx, domain.ValidateRequest{LicenseKey: s.key, HardwareID: hardwareID})
	if err != nil {
		return nil, err
	}
	return s.grant(resp.Plan, resp.Features, resp.ExpiresAt, resp.SeatsUsed, resp.SeatsMax, resp.ValidatedAt, nil), nil
}

// Activate implements Source
func (s *ServerSource) Activate(ctx context.Context, hardwareID, machineName string) (*Grant, error) {
	resp, err := s.client.Activate(ctx, domain.ActivateRequest{
		LicenseKey:  s.key,
		HardwareID:  hardwareID,
		MachineName: machineName,
	})
	if err != nil {
		return nil, err
	}
	return s.grant(resp.Plan, resp.Features, resp.ExpiresAt, resp.SeatsUsed, resp.SeatsMax, resp.ValidatedAt, nil), nil
}

// Heartbeat reports liveness and returns the server's suggested next check-in
func (s *ServerSource) Heartbeat(ctx context.Context, hardwareID string) (*Grant, error) {
	resp, err := s.client.Heartbeat(ctx, domain.HeartbeatRequest{LicenseKey: s.key, HardwareID: hardwareID})
	if err != nil {
		return nil, err
	}
	return s.grant(resp.Plan, resp.Features, resp.ExpiresAt, resp.SeatsUsed, resp.SeatsMax, resp.ValidatedAt, resp.NextCheckIn), nil
}

// Deactivate releases this machine's seat and returns the seats still in use
func (s *ServerSource) Deactivate(ctx context.Context, hardwareID string) (int, error) {
	resp, err := s.client.Deactivate(ctx, domain.DeactivateRequest{LicenseKey: s.key, HardwareID: hardwareID})
	if err != nil {
		return 0, err
	}
	return resp.RemainingActivations, nil
}

func (s *ServerSource) grant(plan string, features []string, expiresAt *time.Time, seatsUsed, seatsMax int, validatedAt, next *time.Time) *Grant {
	g := &Grant{
		Source:      KindServer,
		LicenseKey:  s.key,
		Plan:        plan,
		Features:    slices.Clone(features),
		ExpiresAt:   expiresAt,
		SeatsUsed:   seatsUsed,
		SeatsMax:    seatsMax,
		NextCheckIn: next,
	}
	if validatedAt != nil {
		g.ValidatedAt = validatedAt.UTC()
	}
	return g
}

// SignedKeySource verifies a self-signed key locally
type SignedKeySource struct {
	codec *licensekey.Codec
	key   string
	now   func() time.Time
}

// NewSignedKeySource creates a source verifying key with codec
func NewSignedKeySource(codec *licensekey.Codec, key string, now func() time.Time) *SignedKeySource {
	if now == nil {
		now = time.Now
	}
	return &SignedKeySource{codec: codec, key: key, now: now}
}

// Kind implements Source
func (s *SignedKeySource) Kind() Kind { return KindSignedKey }

// Validate implements Source. The order of checks is signature, expiry,
// then hardware binding.
func (s *SignedKeySource) Validate(ctx context.Context, hardwareID string) (*Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	claims, err := s.codec.ParseAndVerify(s.key)
	switch {
	case errors.Is(err, licensekey.ErrInvalidSignature):
		return nil, &DenialError{Code: domain.CodeInvalidSignature, Message: err.Error()}
	case errors.Is(err, licensekey.ErrMalformedKey):
		return nil, &DenialError{Code: domain.CodeMalformedKey, Message: err.Error()}
	case err != nil:
		return nil, err
	}

	now := s.now().UTC()
	if claims.ExpiredAt(now) {
		return nil, &DenialError{Code: domain.CodeLicenseExpired, Message: "license key has expired"}
	}
	if !licensekey.CheckBinding(claims, hardwareID) {
		return nil, &DenialError{Code: domain.CodeHardwareMismatch, Message: "license key is bound to another machine"}
	}
	return &Grant{
		Source:      KindSignedKey,
		LicenseKey:  s.key,
		Plan:        claims.Tier,
		ExpiresAt:   claims.ExpiresAt,
		SeatsUsed:   1,
		SeatsMax:    1,
		ValidatedAt: now,
	}, nil
}

// Activate implements Source. A self-signed key holds no server seat, so
// activation is verification.
func (s *SignedKeySource) Activate(ctx context.Context, hardwareID, _ string) (*Grant, error) {
	return s.Validate(ctx, hardwareID)
}
