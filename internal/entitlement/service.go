package entitlement

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/config"
	"github.com/Micka420-collab/CRM-SERV-sub000/internal/infrastructure"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

const keyAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Service implements the seat state machine on top of a Store
type Service struct {
	store   Store
	cfg     config.EntitlementConfig
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithClock injects the time source
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithMetrics sets the metric instruments
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithTracer sets the tracer
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *Service) { s.tracer = t }
}

// NewService creates a Service
func NewService(store Store, cfg config.EntitlementConfig, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		cfg:    cfg,
		logger: infrastructure.WithComponent(logger, "entitlement"),
		tracer: otel.Tracer(infrastructure.InstrumentationName),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.HeartbeatInterval <= 0 {
		s.cfg.HeartbeatInterval = 24 * time.Hour
	}
	if s.cfg.DefaultMaxActivations <= 0 {
		s.cfg.DefaultMaxActivations = 1
	}
	if s.cfg.KeyPrefix == "" {
		s.cfg.KeyPrefix = "ALM"
	}
	return s
}

// Ping reports whether the backing store is reachable
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Validate confirms that hardwareID holds an active seat on key and refreshes
// its lastCheckIn.
func (s *Service) Validate(ctx context.Context, key, hardwareID string) (*Entitlement, error) {
	var out *Entitlement
	err := s.run(ctx, "validate", key, func(ctx context.Context) error {
		var err error
		out, err = s.check(ctx, key, hardwareID, false)
		return err
	})
	return out, err
}

// Heartbeat is Validate plus the suggested next check-in time
func (s *Service) Heartbeat(ctx context.Context, key, hardwareID string) (*Entitlement, error) {
	var out *Entitlement
	err := s.run(ctx, "heartbeat", key, func(ctx context.Context) error {
		var err error
		out, err = s.check(ctx, key, hardwareID, true)
		return err
	})
	return out, err
}

func (s *Service) check(ctx context.Context, key, hardwareID string, heartbeat bool) (*Entitlement, error) {
	var (
		out     *Entitlement
		denial  error
		expired bool
	)
	err := s.store.Update(ctx, key, func(snap *Snapshot) error {
		out, denial, expired = nil, nil, false
		now := s.now()

		if expired, denial = s.admit(snap, now); denial != nil {
			return nil
		}
		if !snap.Touch(hardwareID, "", now) {
			denial = ErrNotActivated
			return nil
		}
		out = s.entitlement(snap, now)
		if heartbeat {
			next := now.Add(s.cfg.HeartbeatInterval)
			out.NextCheckIn = &next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterExpiry(ctx, key, expired)
	if denial != nil {
		return nil, denial
	}
	return out, nil
}

// Activate claims a seat for hardwareID. Activating an already active machine
// refreshes the row and consumes no seat.
func (s *Service) Activate(ctx context.Context, key, hardwareID, machineName string) (*Entitlement, error) {
	var out *Entitlement
	err := s.run(ctx, "activate", key, func(ctx context.Context) error {
		var (
			denial     error
			expired    bool
			reactivate bool
		)
		err := s.store.Update(ctx, key, func(snap *Snapshot) error {
			out, denial, expired, reactivate = nil, nil, false, false
			now := s.now()

			if expired, denial = s.admit(snap, now); denial != nil {
				return nil
			}
			if snap.Touch(hardwareID, machineName, now) {
				reactivate = true
				out = s.entitlement(snap, now)
				return nil
			}

			lic := snap.License()
			if used := snap.SeatsUsed(); used >= lic.MaxActivations {
				denial = seatLimit(used, lic.MaxActivations)
				return nil
			}
			snap.Insert(Activation{
				ID:          uuid.New(),
				HardwareID:  hardwareID,
				MachineName: machineName,
				ActivatedAt: now,
				LastCheckIn: now,
			})
			out = s.entitlement(snap, now)
			return nil
		})
		if err != nil {
			return err
		}
		s.afterExpiry(ctx, key, expired)

		if errors.Is(denial, ErrSeatLimitReached) {
			s.metrics.recordSeatDenial(ctx)
			s.logger.WarnContext(ctx, "activation refused, seat limit reached",
				slog.String("license", infrastructure.MaskLicenseKey(key)),
				slog.String("hardware_id", infrastructure.MaskFingerprint(hardwareID)))
		}
		if denial != nil {
			return denial
		}
		s.logger.InfoContext(ctx, "license activated",
			slog.String("license", infrastructure.MaskLicenseKey(key)),
			slog.String("hardware_id", infrastructure.MaskFingerprint(hardwareID)),
			slog.Bool("reactivation", reactivate),
			slog.Int("seats_used", out.SeatsUsed),
			slog.Int("seats_max", out.SeatsMax))
		return nil
	})
	return out, err
}

// Deactivate releases the seat held by hardwareID and returns the number of
// seats still in use. It is allowed whatever the license status.
func (s *Service) Deactivate(ctx context.Context, key, hardwareID string) (int, error) {
	var remaining int
	err := s.run(ctx, "deactivate", key, func(ctx context.Context) error {
		var denial error
		err := s.store.Update(ctx, key, func(snap *Snapshot) error {
			remaining, denial = 0, nil
			if !snap.Deactivate(hardwareID, s.now()) {
				denial = ErrActivationNotFound
				return nil
			}
			remaining = snap.SeatsUsed()
			return nil
		})
		if err != nil {
			return err
		}
		if denial != nil {
			return denial
		}
		s.logger.InfoContext(ctx, "license deactivated",
			slog.String("license", infrastructure.MaskLicenseKey(key)),
			slog.String("hardware_id", infrastructure.MaskFingerprint(hardwareID)),
			slog.Int("remaining", remaining))
		return nil
	})
	return remaining, err
}

// IssueLicense creates a new ACTIVE license
func (s *Service) IssueLicense(ctx context.Context, p IssueParams) (*License, error) {
	var out *License
	err := s.run(ctx, "issue", p.Key, func(ctx context.Context) error {
		if strings.TrimSpace(p.UserID) == "" || strings.TrimSpace(p.Plan) == "" {
			return &Error{Code: domain.CodeInvalidRequest, Message: "userId and plan are required"}
		}
		now := s.now()
		if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
			return ErrInvalidExpiry
		}

		key := p.Key
		if key == "" {
			var err error
			if key, err = s.generateKey(); err != nil {
				return err
			}
		}
		maxActivations := p.MaxActivations
		if maxActivations <= 0 {
			maxActivations = s.cfg.DefaultMaxActivations
		}

		lic := &License{
			ID:             uuid.New(),
			Key:            key,
			UserID:         p.UserID,
			Plan:           p.Plan,
			Features:       slices.Clone(p.Features),
			MaxActivations: maxActivations,
			Status:         domain.LicenseStatusActive,
			ExpiresAt:      p.ExpiresAt,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.store.CreateLicense(ctx, lic); err != nil {
			return fmt.Errorf("create license: %w", err)
		}
		s.logger.InfoContext(ctx, "license issued",
			slog.String("license", infrastructure.MaskLicenseKey(key)),
			slog.String("plan", lic.Plan),
			slog.Int("max_activations", maxActivations))
		out = lic
		return nil
	})
	return out, err
}

// Revoke moves a license to the terminal REVOKED status and releases every seat
func (s *Service) Revoke(ctx context.Context, key, reason string) (*License, error) {
	return s.transition(ctx, "revoke", key, reason, func(snap *Snapshot, now time.Time) error {
		if snap.License().Status == domain.LicenseStatusRevoked {
			return invalidTransition(string(domain.LicenseStatusRevoked), "revoke")
		}
		snap.SetStatus(domain.LicenseStatusRevoked, now)
		snap.DeactivateAll(now)
		return nil
	})
}

// Suspend moves an ACTIVE license to SUSPENDED. Seats are kept.
func (s *Service) Suspend(ctx context.Context, key, reason string) (*License, error) {
	return s.transition(ctx, "suspend", key, reason, func(snap *Snapshot, now time.Time) error {
		if st := snap.License().Status; st != domain.LicenseStatusActive {
			return invalidTransition(string(st), "suspend")
		}
		snap.SetStatus(domain.LicenseStatusSuspended, now)
		return nil
	})
}

// Reinstate moves a SUSPENDED license back to ACTIVE
func (s *Service) Reinstate(ctx context.Context, key string) (*License, error) {
	return s.transition(ctx, "reinstate", key, "", func(snap *Snapshot, now time.Time) error {
		if st := snap.License().Status; st != domain.LicenseStatusSuspended {
			return invalidTransition(string(st), "reinstate")
		}
		snap.SetStatus(domain.LicenseStatusActive, now)
		return nil
	})
}

// Renew sets a new expiry on an ACTIVE or EXPIRED license and makes it ACTIVE.
// A nil expiry makes the license perpetual.
func (s *Service) Renew(ctx context.Context, key string, expiresAt *time.Time) (*License, error) {
	return s.transition(ctx, "renew", key, "", func(snap *Snapshot, now time.Time) error {
		st := snap.License().Status
		if st != domain.LicenseStatusActive && st != domain.LicenseStatusExpired {
			return invalidTransition(string(st), "renew")
		}
		if expiresAt != nil && !expiresAt.After(now) {
			return ErrInvalidExpiry
		}
		snap.SetExpiresAt(expiresAt, now)
		if st != domain.LicenseStatusActive {
			snap.SetStatus(domain.LicenseStatusActive, now)
		}
		return nil
	})
}

// GetLicense returns the license for key
func (s *Service) GetLicense(ctx context.Context, key string) (*License, error) {
	return s.store.GetLicense(ctx, key)
}

// ListActivations returns every activation row of the license
func (s *Service) ListActivations(ctx context.Context, key string) ([]Activation, error) {
	return s.store.ListActivations(ctx, key)
}

// transition runs an administrative status change. Lazy expiry is applied
// and committed first, so the change sees the effective status even when
// it is then refused.
func (s *Service) transition(ctx context.Context, op, key, reason string, apply func(*Snapshot, time.Time) error) (*License, error) {
	var out *License
	err := s.run(ctx, op, key, func(ctx context.Context) error {
		var (
			refused error
			expired bool
			from    domain.LicenseStatus
		)
		err := s.store.Update(ctx, key, func(snap *Snapshot) error {
			out, refused, expired = nil, nil, false
			now := s.now()

			expired = s.expireIfDue(snap, now)
			from = snap.License().Status
			if refused = apply(snap, now); refused != nil {
				return nil
			}
			out = snap.License().Clone()
			return nil
		})
		if err != nil {
			return err
		}
		s.afterExpiry(ctx, key, expired)
		if refused != nil {
			return refused
		}
		if out.Status != from {
			s.metrics.recordTransition(ctx, string(out.Status))
		}
		s.logger.InfoContext(ctx, "license status changed",
			slog.String("license", infrastructure.MaskLicenseKey(key)),
			slog.String("operation", op),
			slog.String("from", string(from)),
			slog.String("to", string(out.Status)),
			slog.String("reason", reason))
		return nil
	})
	return out, err
}

// admit applies lazy expiry and returns the status denial, if any
func (s *Service) admit(snap *Snapshot, now time.Time) (bool, error) {
	expired := s.expireIfDue(snap, now)
	switch snap.License().Status {
	case domain.LicenseStatusExpired:
		return expired, ErrLicenseExpired
	case domain.LicenseStatusRevoked:
		return expired, ErrLicenseRevoked
	case domain.LicenseStatusSuspended:
		return expired, ErrLicenseSuspended
	}
	return expired, nil
}

func (s *Service) expireIfDue(snap *Snapshot, now time.Time) bool {
	lic := snap.License()
	if lic.Status == domain.LicenseStatusActive && lic.ExpiredAt(now) {
		snap.SetStatus(domain.LicenseStatusExpired, now)
		return true
	}
	return false
}

func (s *Service) afterExpiry(ctx context.Context, key string, expired bool) {
	if !expired {
		return
	}
	s.metrics.recordTransition(ctx, string(domain.LicenseStatusExpired))
	s.logger.InfoContext(ctx, "license expired",
		slog.String("license", infrastructure.MaskLicenseKey(key)))
}

func (s *Service) entitlement(snap *Snapshot, now time.Time) *Entitlement {
	lic := snap.License()
	e := &Entitlement{
		LicenseKey:  lic.Key,
		Plan:        lic.Plan,
		Features:    slices.Clone(lic.Features),
		SeatsUsed:   snap.SeatsUsed(),
		SeatsMax:    lic.MaxActivations,
		ValidatedAt: now,
	}
	if lic.ExpiresAt != nil {
		t := *lic.ExpiresAt
		e.ExpiresAt = &t
	}
	return e
}

// run wraps an operation in a span and records its outcome
func (s *Service) run(ctx context.Context, op, key string, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "entitlement."+op,
		trace.WithAttributes(attribute.String("license", infrastructure.MaskLicenseKey(key))))
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	result := "OK"
	if code, ok := CodeOf(err); ok {
		result = string(code)
		span.SetAttributes(attribute.String("result", result))
	} else if err != nil {
		result = string(domain.CodeInternal)
		infrastructure.RecordError(ctx, err)
		s.logger.ErrorContext(ctx, "entitlement operation failed",
			slog.String("operation", op),
			slog.String("license", infrastructure.MaskLicenseKey(key)),
			slog.String("error", err.Error()))
	}
	s.metrics.recordRequest(ctx, op, result, time.Since(start))
	return err
}

// generateKey returns a random server key such as ALM-7K2Q-M9X4-PA3D-R8TN
func (s *Service) generateKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate license key: %w", err)
	}
	var b strings.Builder
	b.WriteString(s.cfg.KeyPrefix)
	for i, c := range buf {
		if i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(keyAlphabet[int(c)%len(keyAlphabet)])
	}
	return b.String(), nil
}
