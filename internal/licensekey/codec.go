// Package licensekey encodes and verifies self-signed license keys.
//
// A key has six dash-separated fields:
//
//	ISSUER-LICENSEID-EXPIRY-BINDING-TIER-SIGNATURE
//
// EXPIRY is a YYYYMMDD date (the key stops being valid at 00:00 UTC of that
// day) or PERPETUAL. BINDING is a prefix of the normalized hardware
// fingerprint or ANYMACHINE. SIGNATURE is the first eight uppercase hex
// characters of HMAC-SHA256 over the first five fields joined by dashes.
package licensekey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/security"
)

const (
	SentinelPerpetual  = "PERPETUAL"
	SentinelAnyMachine = "ANYMACHINE"

	fieldCount      = 6
	signatureLength = 8
	licenseIDLength = 10
	expiryLayout    = "20060102"
	minSecretLength = 16
)

// crockford is the Crockford base32 alphabet (no I, L, O, U)
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var (
	// ErrMalformedKey means the key does not have the expected structure
	ErrMalformedKey = errors.New("malformed license key")
	// ErrInvalidSignature means the key was not produced with this secret
	ErrInvalidSignature = errors.New("invalid license key signature")
)

var (
	issuerPattern    = regexp.MustCompile(`^[A-Z0-9]{2,8}$`)
	licenseIDPattern = regexp.MustCompile(`^[A-Z0-9]{1,16}$`)
	tierPattern      = regexp.MustCompile(`^[A-Z0-9]{1,16}$`)
	bindingPattern   = regexp.MustCompile(`^[0-9A-F]{4,16}$`)
)

// Options controls Generate
type Options struct {
	// LicenseID is generated when empty
	LicenseID string
	// ExpiresAt nil means perpetual; only the UTC date is encoded
	ExpiresAt *time.Time
	// Fingerprint binds the key to a machine; empty means any machine
	Fingerprint string
	Tier        string
}

// Claims is the verified content of a key
type Claims struct {
	Issuer    string
	LicenseID string
	ExpiresAt *time.Time
	Binding   string
	Tier      string
}

// Bound reports whether the key is tied to a hardware fingerprint prefix
func (c *Claims) Bound() bool {
	return c.Binding != ""
}

// ExpiredAt reports whether the key is no longer valid at now
func (c *Claims) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Codec generates and verifies keys for one issuer and secret
type Codec struct {
	secret        []byte
	issuer        string
	bindingLength int
	rand          io.Reader
}

// NewCodec creates a codec from the signing configuration
func NewCodec(cfg config.SigningConfig) (*Codec, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", minSecretLength)
	}
	if !issuerPattern.MatchString(cfg.Issuer) {
		return nil, fmt.Errorf("issuer %q must match %s", cfg.Issuer, issuerPattern)
	}
	if cfg.BindingLength < 4 || cfg.BindingLength > 16 {
		return nil, fmt.Errorf("binding length %d out of range [4,16]", cfg.BindingLength)
	}
	return &Codec{
		secret:        []byte(cfg.Secret),
		issuer:        cfg.Issuer,
		bindingLength: cfg.BindingLength,
		rand:          rand.Reader,
	}, nil
}

// Issuer returns the issuer prefix this codec signs for
func (c *Codec) Issuer() string {
	return c.issuer
}

// Generate builds and signs a key
func (c *Codec) Generate(opts Options) (string, error) {
	id := opts.LicenseID
	if id == "" {
		var err error
		if id, err = c.randomID(); err != nil {
			return "", err
		}
	}
	if !licenseIDPattern.MatchString(id) {
		return "", fmt.Errorf("license id %q must match %s", id, licenseIDPattern)
	}
	if !tierPattern.MatchString(opts.Tier) {
		return "", fmt.Errorf("tier %q must match %s", opts.Tier, tierPattern)
	}

	expiry := SentinelPerpetual
	if opts.ExpiresAt != nil {
		expiry = opts.ExpiresAt.UTC().Format(expiryLayout)
	}

	binding := SentinelAnyMachine
	if opts.Fingerprint != "" {
		normalized := security.NormalizeFingerprint(opts.Fingerprint)
		if len(normalized) < c.bindingLength || !bindingPattern.MatchString(normalized[:c.bindingLength]) {
			return "", fmt.Errorf("fingerprint %q is too short or not hexadecimal", opts.Fingerprint)
		}
		binding = normalized[:c.bindingLength]
	}

	content := strings.Join([]string{c.issuer, id, expiry, binding, opts.Tier}, "-")
	return content + "-" + c.sign(content), nil
}

// ParseAndVerify checks structure, then the signature in constant time, and
// only then interprets the fields. A signature mismatch says nothing about
// which field is wrong.
func (c *Codec) ParseAndVerify(key string) (*Claims, error) {
	fields, ok := split(strings.TrimSpace(key))
	if !ok {
		return nil, ErrMalformedKey
	}

	content := strings.Join(fields[:fieldCount-1], "-")
	if !hmac.Equal([]byte(fields[fieldCount-1]), []byte(c.sign(content))) {
		return nil, ErrInvalidSignature
	}

	issuer, id, expiry, binding, tier := fields[0], fields[1], fields[2], fields[3], fields[4]
	if issuer != c.issuer {
		return nil, fmt.Errorf("%w: unknown issuer", ErrMalformedKey)
	}
	if !licenseIDPattern.MatchString(id) || !tierPattern.MatchString(tier) {
		return nil, fmt.Errorf("%w: bad license id or tier", ErrMalformedKey)
	}

	claims := &Claims{Issuer: issuer, LicenseID: id, Tier: tier}

	if expiry != SentinelPerpetual {
		t, err := time.ParseInLocation(expiryLayout, expiry, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("%w: bad expiry", ErrMalformedKey)
		}
		claims.ExpiresAt = &t
	}

	if binding != SentinelAnyMachine {
		if !bindingPattern.MatchString(binding) {
			return nil, fmt.Errorf("%w: bad binding", ErrMalformedKey)
		}
		claims.Binding = binding
	}
	return claims, nil
}

// Recognizes reports whether key looks like a self-signed key of this issuer,
// without verifying it.
func (c *Codec) Recognizes(key string) bool {
	fields, ok := split(strings.TrimSpace(key))
	return ok && fields[0] == c.issuer
}

// CheckBinding reports whether claims may be used on the machine with the
// given fingerprint.
func CheckBinding(claims *Claims, fingerprint string) bool {
	if !claims.Bound() {
		return true
	}
	return strings.HasPrefix(security.NormalizeFingerprint(fingerprint), claims.Binding)
}

func split(key string) ([]string, bool) {
	fields := strings.Split(key, "-")
	if len(fields) != fieldCount {
		return nil, false
	}
	for _, f := range fields {
		if f == "" {
			return nil, false
		}
	}
	if len(fields[fieldCount-1]) != signatureLength {
		return nil, false
	}
	return fields, true
}

func (c *Codec) sign(content string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(content))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))[:signatureLength]
}

func (c *Codec) randomID() (string, error) {
	buf := make([]byte, licenseIDLength)
	if _, err := io.ReadFull(c.rand, buf); err != nil {
		return "", fmt.Errorf("generate license id: %w", err)
	}
	for i, b := range buf {
		buf[i] = crockford[int(b)%len(crockford)]
	}
	return string(buf), nil
}
