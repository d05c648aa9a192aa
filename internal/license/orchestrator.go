package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/infrastructure"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/licensekey"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/offline"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

// Status is the outcome of a license check
type Status string

const (
	StatusActive         Status = "ACTIVE"
	StatusOfflineTrusted Status = "OFFLINE_TRUSTED"
	StatusNotActivated   Status = "NOT_ACTIVATED"
	StatusDenied         Status = "DENIED"
	StatusUnlicensed     Status = "UNLICENSED"
)

// Result is what a check reports to the application
type Result struct {
	Status Status
	Source Kind
	// Code and Message are set for DENIED and NOT_ACTIVATED
	Code    domain.ErrorCode
	Message string
	// Grant is set for ACTIVE and OFFLINE_TRUSTED
	Grant *Grant
	// Err is the failure behind OFFLINE_TRUSTED, UNLICENSED or DENIED
	Err error
}

// Licensed reports whether the application may run
func (r Result) Licensed() bool {
	return r.Status == StatusActive || r.Status == StatusOfflineTrusted
}

// OfflineCache is the persistence the orchestrator falls back to
type OfflineCache interface {
	Save(ctx context.Context, rec offline.Record) error
	Load(ctx context.Context) (*offline.Entry, bool)
	IsWithinGrace(ctx context.Context, entry *offline.Entry) bool
	Touch(ctx context.Context, entry *offline.Entry) error
	Clear(ctx context.Context) error
}

// Orchestrator runs license checks for one machine
type Orchestrator struct {
	hardwareID        string
	client            *Client
	codec             *licensekey.Codec
	cache             OfflineCache
	timeout           time.Duration
	heartbeatInterval time.Duration
	retryInterval     time.Duration
	metrics           *Metrics
	logger            *slog.Logger
	now               func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClient sets the entitlement service client used for server keys
func WithClient(c *Client) Option {
	return func(o *Orchestrator) { o.client = c }
}

// WithCodec enables self-signed keys
func WithCodec(c *licensekey.Codec) Option {
	return func(o *Orchestrator) { o.codec = c }
}

// WithMetrics sets the metric instruments
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock injects the local time source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRetryInterval sets how soon Watch retries after a failed heartbeat
func WithRetryInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.retryInterval = d }
}

// NewOrchestrator creates an orchestrator for the machine identified by hardwareID
func NewOrchestrator(cfg config.ClientConfig, hardwareID string, cache OfflineCache, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		hardwareID:        hardwareID,
		cache:             cache,
		timeout:           cfg.Timeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		logger:            infrastructure.WithComponent(logger, "license"),
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.timeout <= 0 {
		o.timeout = defaultTimeout
	}
	if o.heartbeatInterval <= 0 {
		o.heartbeatInterval = 24 * time.Hour
	}
	if o.retryInterval <= 0 {
		o.retryInterval = 15 * time.Minute
	}
	return o
}

// HardwareID returns the machine identifier checks are made for
func (o *Orchestrator) HardwareID() string {
	return o.hardwareID
}

// SourceFor picks the source for key by its form
func (o *Orchestrator) SourceFor(key string) (Source, error) {
	if o.codec != nil && o.codec.Recognizes(key) {
		return NewSignedKeySource(o.codec, key, o.now), nil
	}
	if o.client == nil {
		return nil, ErrNoServer
	}
	return NewServerSource(o.client, key), nil
}

// Check is the startup check
func (o *Orchestrator) Check(ctx context.Context, key string) Result {
	ctx = infrastructure.EnsureTraceID(ctx)
	src, err := o.SourceFor(key)
	if err != nil {
		return o.finish(ctx, "check", key, Result{Status: StatusUnlicensed, Err: err})
	}
	grant, err := o.attempt(ctx, func(ctx context.Context) (*Grant, error) {
		return src.Validate(ctx, o.hardwareID)
	})
	return o.settle(ctx, "check", key, src.Kind(), grant, err)
}

// Activate claims a seat for this machine. A connectivity failure is
// reported as UNLICENSED: activation needs the server.
func (o *Orchestrator) Activate(ctx context.Context, key, machineName string) Result {
	ctx = infrastructure.EnsureTraceID(ctx)
	src, err := o.SourceFor(key)
	if err != nil {
		return o.finish(ctx, "activate", key, Result{Status: StatusUnlicensed, Err: err})
	}
	grant, err := o.attempt(ctx, func(ctx context.Context) (*Grant, error) {
		return src.Activate(ctx, o.hardwareID, machineName)
	})
	if err != nil {
		if _, denied := AsDenial(err); !denied {
			return o.finish(ctx, "activate", key, Result{Status: StatusUnlicensed, Source: src.Kind(), Err: err})
		}
	}
	return o.settle(ctx, "activate", key, src.Kind(), grant, err)
}

// Heartbeat is a single liveness report. Self-signed keys are re-verified.
func (o *Orchestrator) Heartbeat(ctx context.Context, key string) Result {
	ctx = infrastructure.EnsureTraceID(ctx)
	src, err := o.SourceFor(key)
	if err != nil {
		return o.finish(ctx, "heartbeat", key, Result{Status: StatusUnlicensed, Err: err})
	}
	grant, err := o.attempt(ctx, func(ctx context.Context) (*Grant, error) {
		if s, ok := src.(*ServerSource); ok {
			return s.Heartbeat(ctx, o.hardwareID)
		}
		return src.Validate(ctx, o.hardwareID)
	})
	return o.settle(ctx, "heartbeat", key, src.Kind(), grant, err)
}

// Deactivate releases this machine's seat and clears the offline cache.
// It returns the number of seats still in use.
func (o *Orchestrator) Deactivate(ctx context.Context, key string) (int, error) {
	ctx = infrastructure.EnsureTraceID(ctx)
	src, err := o.SourceFor(key)
	if err != nil {
		return 0, err
	}
	s, ok := src.(*ServerSource)
	if !ok {
		o.clearCache(ctx, key)
		return 0, nil
	}

	var remaining int
	_, err = o.attempt(ctx, func(ctx context.Context) (*Grant, error) {
		var err error
		remaining, err = s.Deactivate(ctx, o.hardwareID)
		return nil, err
	})
	if err != nil {
		if _, denied := AsDenial(err); denied {
			o.clearCache(ctx, key)
		}
		return 0, err
	}
	o.clearCache(ctx, key)
	o.logger.InfoContext(ctx, "license deactivated on this machine",
		slog.String("license", infrastructure.MaskLicenseKey(key)),
		slog.Int("remaining", remaining))
	return remaining, nil
}

// attempt runs one remote call bounded by the configured timeout
func (o *Orchestrator) attempt(ctx context.Context, call func(context.Context) (*Grant, error)) (*Grant, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return call(ctx)
}

// settle classifies a source outcome
func (o *Orchestrator) settle(ctx context.Context, op, key string, kind Kind, grant *Grant, err error) Result {
	if err == nil {
		if kind == KindServer {
			o.saveCache(ctx, grant)
		}
		return o.finish(ctx, op, key, Result{Status: StatusActive, Source: kind, Grant: grant})
	}

	if denial, ok := AsDenial(err); ok {
		// an authoritative answer invalidates what was cached for this key
		o.clearCache(ctx, key)
		status := StatusDenied
		if denial.Code == domain.CodeNotActivated {
			status = StatusNotActivated
		}
		return o.finish(ctx, op, key, Result{
			Status:  status,
			Source:  kind,
			Code:    denial.Code,
			Message: denial.Message,
			Err:     err,
		})
	}

	o.logger.WarnContext(ctx, "license server unreachable, trying offline cache",
		slog.String("operation", op),
		slog.String("license", infrastructure.MaskLicenseKey(key)),
		slog.String("error", err.Error()))
	return o.finish(ctx, op, key, o.fallback(ctx, key, kind, err))
}

// fallback answers from the offline cache after a connectivity failure
func (o *Orchestrator) fallback(ctx context.Context, key string, kind Kind, cause error) Result {
	unlicensed := Result{Status: StatusUnlicensed, Source: kind, Err: cause}
	if o.cache == nil {
		return unlicensed
	}
	entry, ok := o.cache.Load(ctx)
	if !ok {
		return unlicensed
	}
	if entry.LicenseKey != key || entry.HardwareID != o.hardwareID {
		o.logger.InfoContext(ctx, "offline cache belongs to another license or machine")
		return unlicensed
	}
	if !o.cache.IsWithinGrace(ctx, entry) {
		o.logger.InfoContext(ctx, "offline grace window has elapsed",
			slog.Time("cache_expires_at", entry.CacheExpiresAt))
		return unlicensed
	}
	if entry.ExpiresAt != nil && !o.now().Before(*entry.ExpiresAt) {
		o.logger.InfoContext(ctx, "cached license has passed its expiry",
			slog.Time("expires_at", *entry.ExpiresAt))
		return unlicensed
	}
	if err := o.cache.Touch(ctx, entry); err != nil {
		o.logger.WarnContext(ctx, "offline cache not updated", slog.String("error", err.Error()))
	}

	return Result{
		Status: StatusOfflineTrusted,
		Source: kind,
		Err:    cause,
		Grant: &Grant{
			Source:      Kind(entry.Source),
			LicenseKey:  entry.LicenseKey,
			Plan:        entry.Plan,
			Features:    slices.Clone(entry.Features),
			ExpiresAt:   entry.ExpiresAt,
			SeatsUsed:   entry.SeatsUsed,
			SeatsMax:    entry.SeatsMax,
			ValidatedAt: entry.ValidatedAt,
		},
	}
}

func (o *Orchestrator) saveCache(ctx context.Context, g *Grant) {
	if o.cache == nil || g == nil {
		return
	}
	validatedAt := g.ValidatedAt
	if validatedAt.IsZero() {
		validatedAt = o.now()
	}
	err := o.cache.Save(ctx, offline.Record{
		LicenseKey:  g.LicenseKey,
		HardwareID:  o.hardwareID,
		Source:      string(g.Source),
		Plan:        g.Plan,
		Features:    g.Features,
		ExpiresAt:   g.ExpiresAt,
		SeatsUsed:   g.SeatsUsed,
		SeatsMax:    g.SeatsMax,
		ValidatedAt: validatedAt,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "offline cache not saved", slog.String("error", err.Error()))
	}
}

// clearCache drops the cached entry when it belongs to key. The cache holds
// one entry per machine, so a denial for any other key leaves it alone.
func (o *Orchestrator) clearCache(ctx context.Context, key string) {
	if o.cache == nil {
		return
	}
	entry, ok := o.cache.Load(ctx)
	if !ok {
		return
	}
	if entry.LicenseKey != key {
		o.logger.DebugContext(ctx, "offline cache kept, it belongs to another license",
			slog.String("license", infrastructure.MaskLicenseKey(key)))
		return
	}
	if err := o.cache.Clear(ctx); err != nil {
		o.logger.WarnContext(ctx, "offline cache not cleared", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) finish(ctx context.Context, op, key string, r Result) Result {
	o.metrics.recordCheck(ctx, op, r.Status)

	attrs := []any{
		slog.String("operation", op),
		slog.String("license", infrastructure.MaskLicenseKey(key)),
		slog.String("status", string(r.Status)),
	}
	if r.Source != "" {
		attrs = append(attrs, slog.String("source", string(r.Source)))
	}
	if r.Code != "" {
		attrs = append(attrs, slog.String("code", string(r.Code)))
	}
	switch r.Status {
	case StatusActive, StatusNotActivated:
		o.logger.InfoContext(ctx, "license check completed", attrs...)
	case StatusOfflineTrusted:
		o.logger.WarnContext(ctx, "license trusted from offline cache", attrs...)
	default:
		if r.Err != nil && !errors.Is(r.Err, context.Canceled) {
			attrs = append(attrs, slog.String("error", r.Err.Error()))
		}
		o.logger.WarnContext(ctx, "license check failed", attrs...)
	}
	return r
}

// String renders a result for command-line output
func (r Result) String() string {
	switch r.Status {
	case StatusActive, StatusOfflineTrusted:
		s := fmt.Sprintf("%s plan=%s", r.Status, r.Grant.Plan)
		if r.Grant.ExpiresAt != nil {
			s += " expires=" + r.Grant.ExpiresAt.Format(time.DateOnly)
		}
		if r.Grant.SeatsMax > 0 {
			s += fmt.Sprintf(" seats=%d/%d", r.Grant.SeatsUsed, r.Grant.SeatsMax)
		}
		return s
	case StatusDenied, StatusNotActivated:
		return fmt.Sprintf("%s code=%s %s", r.Status, r.Code, r.Message)
	default:
		if r.Err != nil {
			return fmt.Sprintf("%s: %v", r.Status, r.Err)
		}
		return string(r.Status)
	}
}
