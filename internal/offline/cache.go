// Package offline keeps the last successful server validation on disk so the
// client can keep working through network outages for a bounded grace window.
//
// The cache file is AES-256-GCM encrypted with a scrypt-derived key and bound
// to the machine's hardware ID as associated data. The grace deadline is
// computed from the server's validation time, not the local clock, and the
// highest local time seen while trusting the entry is recorded so a clock
// turned back is detected.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/infrastructure"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/security"
)

const (
	defaultGraceWindow = 7 * 24 * time.Hour
	fileMode           = 0o600
)

// ErrHardwareMismatch is returned by Save for a record of another machine
var ErrHardwareMismatch = errors.New("record belongs to another machine")

// Record is a successful validation as returned by the server
type Record struct {
	LicenseKey  string     `json:"licenseKey"`
	HardwareID  string     `json:"hardwareId"`
	Source      string     `json:"source,omitempty"`
	Plan        string     `json:"plan"`
	Features    []string   `json:"features,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	SeatsUsed   int        `json:"seatsUsed"`
	SeatsMax    int        `json:"seatsMax"`
	ValidatedAt time.Time  `json:"validatedAt"`
}

// Entry is what the cache file holds
type Entry struct {
	Record
	CacheExpiresAt time.Time `json:"cacheExpiresAt"`
	// LastSeenAt is the highest local time observed while trusting the entry
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Cache is the encrypted single-entry offline cache of one machine
type Cache struct {
	path       string
	secret     []byte
	hardwareID string
	grace      time.Duration
	skew       time.Duration
	encryption security.EncryptionConfig
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Cache
type Option func(*Cache)

// WithClock injects the local time source
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithEncryptionConfig overrides the scrypt cost parameters
func WithEncryptionConfig(ec security.EncryptionConfig) Option {
	return func(c *Cache) { c.encryption = ec }
}

// NewCache creates the cache for hardwareID from the client configuration.
// Without a configured secret the key is derived from the hardware ID alone.
func NewCache(cfg config.ClientConfig, hardwareID string, logger *slog.Logger, opts ...Option) (*Cache, error) {
	if hardwareID == "" {
		return nil, errors.New("offline cache requires a hardware ID")
	}

	secret := cfg.CacheSecret
	if secret == "" {
		secret = "offline-cache:" + hardwareID
	}
	encryption := security.DefaultEncryptionConfig()
	if cfg.ScryptN > 0 {
		encryption.SCryptN = cfg.ScryptN
	}

	c := &Cache{
		path:       filepath.Join(cfg.DataDir, cfg.CacheFile),
		secret:     []byte(secret),
		hardwareID: hardwareID,
		grace:      cfg.GraceWindow,
		skew:       cfg.ClockSkew,
		encryption: encryption,
		logger:     infrastructure.WithComponent(logger, "offline_cache"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.grace <= 0 {
		c.grace = defaultGraceWindow
	}
	if err := c.encryption.Validate(); err != nil {
		return nil, fmt.Errorf("offline cache encryption: %w", err)
	}
	return c, nil
}

// Path returns the cache file location
func (c *Cache) Path() string {
	return c.path
}

// Save stores rec, replacing any previous entry. The grace deadline is
// rec.ValidatedAt plus the grace window.
func (c *Cache) Save(ctx context.Context, rec Record) error {
	if rec.HardwareID != c.hardwareID {
		return ErrHardwareMismatch
	}
	entry := &Entry{
		Record:         rec,
		CacheExpiresAt: rec.ValidatedAt.Add(c.grace),
		LastSeenAt:     c.now(),
	}
	if err := c.write(entry); err != nil {
		return err
	}
	c.logger.DebugContext(ctx, "offline cache saved",
		slog.String("license", infrastructure.MaskLicenseKey(rec.LicenseKey)),
		slog.Time("cache_expires_at", entry.CacheExpiresAt))
	return nil
}

// Load returns the cached entry. Any problem reading it is logged and
// reported as a missing entry.
func (c *Cache) Load(ctx context.Context) (*Entry, bool) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false
	}
	if err != nil {
		c.warn(ctx, "offline cache unreadable", err)
		return nil, false
	}

	var payload security.EncryptedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.warn(ctx, "offline cache corrupt", err)
		return nil, false
	}
	plain, err := security.Decrypt(&payload, c.secret, []byte(c.hardwareID))
	if err != nil {
		c.warn(ctx, "offline cache does not open on this machine", err)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(plain, &entry); err != nil {
		c.warn(ctx, "offline cache entry unparsable", err)
		return nil, false
	}
	if entry.HardwareID != c.hardwareID {
		c.warn(ctx, "offline cache entry for another machine", ErrHardwareMismatch)
		return nil, false
	}
	return &entry, true
}

// IsWithinGrace reports whether entry may still be trusted
func (c *Cache) IsWithinGrace(ctx context.Context, entry *Entry) bool {
	if entry == nil {
		return false
	}
	now := c.now()
	if now.After(entry.CacheExpiresAt) {
		return false
	}
	if now.Before(entry.LastSeenAt.Add(-c.skew)) {
		c.logger.WarnContext(ctx, "local clock is behind the last observed time, offline cache not trusted",
			slog.String("event", "clock_rollback"),
			slog.Time("now", now),
			slog.Time("last_seen_at", entry.LastSeenAt))
		return false
	}
	return true
}

// Touch advances the entry's last observed time to now and persists it
func (c *Cache) Touch(ctx context.Context, entry *Entry) error {
	now := c.now()
	if !now.After(entry.LastSeenAt) {
		return nil
	}
	entry.LastSeenAt = now
	return c.write(entry)
}

// Clear removes the cache file
func (c *Cache) Clear(ctx context.Context) error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove offline cache: %w", err)
	}
	c.logger.DebugContext(ctx, "offline cache cleared")
	return nil
}

// write encrypts entry and atomically replaces the cache file
func (c *Cache) write(entry *Entry) error {
	plain, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode offline cache: %w", err)
	}
	payload, err := security.Encrypt(plain, c.secret, []byte(c.hardwareID), c.encryption)
	if err != nil {
		return fmt.Errorf("encrypt offline cache: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode offline cache payload: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		return fmt.Errorf("chmod temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

func (c *Cache) warn(ctx context.Context, msg string, err error) {
	c.logger.WarnContext(ctx, msg,
		slog.String("path", c.path),
		slog.String("error", err.Error()))
}
