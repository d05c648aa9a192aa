// Package postgres implements entitlement.Store on PostgreSQL. Each Update
// runs in one transaction holding a row lock on the license, and a partial
// unique index guarantees at most one active activation per machine.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

const (
	defaultTablePrefix = "entitlement"
	uniqueViolation    = "23505"
)

// validIdentifier matches safe PostgreSQL identifiers (letters, digits, underscores).
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Option configures a Store
type Option func(*Store)

// WithTablePrefix sets the prefix of the licenses and activations tables.
// Default: "entitlement".
func WithTablePrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// Store implements entitlement.Store using PostgreSQL
type Store struct {
	pool        *pgxpool.Pool
	ownsPool    bool
	prefix      string
	licenses    string
	activations string
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects to dsn and returns a Store that owns the pool
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := New(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

// New creates a Store on an existing pool and creates the schema if needed.
// The caller keeps ownership of pool.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	s := &Store{pool: pool, prefix: defaultTablePrefix}
	for _, opt := range opts {
		opt(s)
	}
	if !validIdentifier.MatchString(s.prefix) {
		return nil, fmt.Errorf("invalid table prefix %q: must match [a-zA-Z_][a-zA-Z0-9_]*", s.prefix)
	}
	s.licenses = s.prefix + "_licenses"
	s.activations = s.prefix + "_activations"

	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id              TEXT PRIMARY KEY,
			license_key     TEXT NOT NULL UNIQUE,
			user_id         TEXT NOT NULL,
			plan            TEXT NOT NULL,
			features        TEXT[] NOT NULL DEFAULT '{}',
			max_activations INTEGER NOT NULL CHECK (max_activations >= 0),
			status          TEXT NOT NULL,
			expires_at      TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			seq             BIGSERIAL,
			id              TEXT PRIMARY KEY,
			license_id      TEXT NOT NULL REFERENCES %[1]s (id),
			hardware_id     TEXT NOT NULL,
			machine_name    TEXT NOT NULL DEFAULT '',
			activated_at    TIMESTAMPTZ NOT NULL,
			last_check_in   TIMESTAMPTZ NOT NULL,
			is_active       BOOLEAN NOT NULL,
			deactivated_at  TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS %[2]s_one_active
			ON %[2]s (license_id, hardware_id) WHERE is_active;
		CREATE INDEX IF NOT EXISTS %[2]s_license_seq
			ON %[2]s (license_id, seq);
	`, s.licenses, s.activations)
	_, err := s.pool.Exec(ctx, query)
	return err
}

// CreateLicense implements entitlement.Store
func (s *Store) CreateLicense(ctx context.Context, license *entitlement.License) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, license_key, user_id, plan, features, max_activations,
			status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.licenses)

	_, err := s.pool.Exec(ctx, query,
		license.ID.String(), license.Key, license.UserID, license.Plan,
		features(license.Features), license.MaxActivations, string(license.Status),
		license.ExpiresAt, license.CreatedAt, license.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return entitlement.ErrDuplicateLicense
	}
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

// GetLicense implements entitlement.Store
func (s *Store) GetLicense(ctx context.Context, key string) (*entitlement.License, error) {
	return s.selectLicense(ctx, s.pool, key, false)
}

// ListActivations implements entitlement.Store
func (s *Store) ListActivations(ctx context.Context, key string) ([]entitlement.Activation, error) {
	lic, err := s.selectLicense(ctx, s.pool, key, false)
	if err != nil {
		return nil, err
	}
	return s.selectActivations(ctx, s.pool, lic.ID, false)
}

// Update implements entitlement.Store. The license row is locked with
// SELECT ... FOR UPDATE, so concurrent updates of one license queue up.
func (s *Store) Update(ctx context.Context, key string, fn func(*entitlement.Snapshot) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		lic, err := s.selectLicense(ctx, tx, key, true)
		if err != nil {
			return err
		}
		active, err := s.selectActivations(ctx, tx, lic.ID, true)
		if err != nil {
			return err
		}

		snap := entitlement.NewSnapshot(lic, active)
		if err := fn(snap); err != nil {
			return err
		}

		changes := snap.Changes()
		if changes.Empty() {
			return nil
		}
		if changes.License != nil {
			if err := s.updateLicense(ctx, tx, changes.License); err != nil {
				return err
			}
		}
		for _, a := range changes.Activations {
			if err := s.upsertActivation(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// Ping implements entitlement.Store
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements entitlement.Store. A pool passed to New is left open.
func (s *Store) Close(_ context.Context) error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

func (s *Store) selectLicense(ctx context.Context, q querier, key string, lock bool) (*entitlement.License, error) {
	query := fmt.Sprintf(`
		SELECT id, license_key, user_id, plan, features, max_activations,
			status, expires_at, created_at, updated_at
		FROM %s WHERE license_key = $1
	`, s.licenses)
	if lock {
		query += " FOR UPDATE"
	}

	var (
		lic    entitlement.License
		id     string
		status string
	)
	err := q.QueryRow(ctx, query, key).Scan(&id, &lic.Key, &lic.UserID, &lic.Plan, &lic.Features,
		&lic.MaxActivations, &status, &lic.ExpiresAt, &lic.CreatedAt, &lic.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select license: %w", err)
	}

	if lic.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("license id %q: %w", id, err)
	}
	lic.Status = domain.LicenseStatus(status)
	lic.ExpiresAt = utcPtr(lic.ExpiresAt)
	lic.CreatedAt = lic.CreatedAt.UTC()
	lic.UpdatedAt = lic.UpdatedAt.UTC()
	return &lic, nil
}

func (s *Store) selectActivations(ctx context.Context, q querier, licenseID uuid.UUID, activeOnly bool) ([]entitlement.Activation, error) {
	query := fmt.Sprintf(`
		SELECT id, license_id, hardware_id, machine_name, activated_at,
			last_check_in, is_active, deactivated_at
		FROM %s WHERE license_id = $1
	`, s.activations)
	if activeOnly {
		query += " AND is_active"
	}
	query += " ORDER BY seq"

	rows, err := q.Query(ctx, query, licenseID.String())
	if err != nil {
		return nil, fmt.Errorf("select activations: %w", err)
	}
	defer rows.Close()

	var out []entitlement.Activation
	for rows.Next() {
		var (
			a         entitlement.Activation
			id, licID string
		)
		if err := rows.Scan(&id, &licID, &a.HardwareID, &a.MachineName, &a.ActivatedAt,
			&a.LastCheckIn, &a.IsActive, &a.DeactivatedAt); err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("activation id %q: %w", id, err)
		}
		a.LicenseID = licenseID
		a.ActivatedAt = a.ActivatedAt.UTC()
		a.LastCheckIn = a.LastCheckIn.UTC()
		a.DeactivatedAt = utcPtr(a.DeactivatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) updateLicense(ctx context.Context, tx pgx.Tx, lic *entitlement.License) error {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, expires_at = $3, max_activations = $4,
			features = $5, updated_at = $6
		WHERE id = $1
	`, s.licenses)
	_, err := tx.Exec(ctx, query, lic.ID.String(), string(lic.Status), lic.ExpiresAt,
		lic.MaxActivations, features(lic.Features), lic.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	return nil
}

func (s *Store) upsertActivation(ctx context.Context, tx pgx.Tx, a entitlement.Activation) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, license_id, hardware_id, machine_name, activated_at,
			last_check_in, is_active, deactivated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			machine_name = EXCLUDED.machine_name,
			last_check_in = EXCLUDED.last_check_in,
			is_active = EXCLUDED.is_active,
			deactivated_at = EXCLUDED.deactivated_at
	`, s.activations)
	_, err := tx.Exec(ctx, query, a.ID.String(), a.LicenseID.String(), a.HardwareID, a.MachineName,
		a.ActivatedAt, a.LastCheckIn, a.IsActive, a.DeactivatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: hardware %q already holds an active seat", entitlement.ErrConflict, a.HardwareID)
	}
	if err != nil {
		return fmt.Errorf("upsert activation: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// features maps nil to an empty array for the NOT NULL column
func features(f []string) []string {
	if f == nil {
		return []string{}
	}
	return f
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
