package license

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/licensekey"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

const (
	machineA = "0A1B2C3D-44556677-8899AABB-CCDDEEFF-00112233-44556677-8899AABB-CCDDEEFF"
	machineB = "FFEEDDCC-44556677-8899AABB-CCDDEEFF-00112233-44556677-8899AABB-CCDDEEFF"
)

func newTestCodec(t *testing.T) *licensekey.Codec {
	t.Helper()
	codec, err := licensekey.NewCodec(config.SigningConfig{
		Secret:        "source-test-secret-0123",
		Issuer:        "ALM",
		BindingLength: 8,
	})
	require.NoError(t, err)
	return codec
}

func TestSignedKeySource(t *testing.T) {
	codec := newTestCodec(t)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	mint := func(opts licensekey.Options) string {
		key, err := codec.Generate(opts)
		require.NoError(t, err)
		return key
	}
	future := now.AddDate(0, 6, 0)
	past := now.AddDate(0, 0, -1)

	bound := mint(licensekey.Options{Tier: "PRO", Fingerprint: machineA, ExpiresAt: &future})
	tampered := strings.Replace(bound, "-PRO-", "-ENT-", 1)

	tests := []struct {
		name     string
		key      string
		hardware string
		wantCode domain.ErrorCode
		wantPlan string
	}{
		{"bound to this machine", bound, machineA, "", "PRO"},
		{"unbound perpetual", mint(licensekey.Options{Tier: "BASIC"}), machineB, "", "BASIC"},
		{"bound to another machine", bound, machineB, domain.CodeHardwareMismatch, ""},
		{"tampered tier", tampered, machineA, domain.CodeInvalidSignature, ""},
		{"expired", mint(licensekey.Options{Tier: "PRO", ExpiresAt: &past}), machineA, domain.CodeLicenseExpired, ""},
		{"expired and bound elsewhere reports expiry", mint(licensekey.Options{Tier: "PRO", ExpiresAt: &past, Fingerprint: machineA}), machineB, domain.CodeLicenseExpired, ""},
		{"wrong field count", "ALM-ABC-PERPETUAL-ANYMACHINE-12345678", machineA, domain.CodeMalformedKey, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := NewSignedKeySource(codec, tt.key, clock)
			assert.Equal(t, KindSignedKey, src.Kind())

			g, err := src.Validate(context.Background(), tt.hardware)
			if tt.wantCode != "" {
				assert.True(t, IsDenial(err, tt.wantCode), "got %v", err)
				assert.Nil(t, g)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPlan, g.Plan)
			assert.Equal(t, KindSignedKey, g.Source)
			assert.Equal(t, tt.key, g.LicenseKey)
			assert.Equal(t, now, g.ValidatedAt)
		})
	}
}

func TestSignedKeySourceActivateIsVerification(t *testing.T) {
	codec := newTestCodec(t)
	key, err := codec.Generate(licensekey.Options{Tier: "PRO", Fingerprint: machineA})
	require.NoError(t, err)

	src := NewSignedKeySource(codec, key, nil)
	g, err := src.Activate(context.Background(), machineA, "desk")
	require.NoError(t, err)
	assert.Equal(t, 1, g.SeatsMax)

	_, err = src.Activate(context.Background(), machineB, "other")
	assert.True(t, IsDenial(err, domain.CodeHardwareMismatch))
}

func TestSignedKeySourceHonoursContext(t *testing.T) {
	codec := newTestCodec(t)
	key, err := codec.Generate(licensekey.Options{Tier: "PRO"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSignedKeySource(codec, key, nil).Validate(ctx, machineA)
	assert.ErrorIs(t, err, context.Canceled)
}
