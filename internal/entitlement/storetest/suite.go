// Package storetest is the contract test suite every entitlement.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

// Factory returns a ready store. Cleanup is registered on t by the factory.
type Factory func(t *testing.T) entitlement.Store

// Run executes the contract suite
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("UpdateCommits", func(t *testing.T) { testUpdateCommits(t, newStore(t)) })
	t.Run("UpdateRollsBack", func(t *testing.T) { testUpdateRollsBack(t, newStore(t)) })
	t.Run("DeactivateRetainsRow", func(t *testing.T) { testDeactivateRetainsRow(t, newStore(t)) })
	t.Run("LicenseChanges", func(t *testing.T) { testLicenseChanges(t, newStore(t)) })
	t.Run("SerializedUpdates", func(t *testing.T) { testSerializedUpdates(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) { require.NoError(t, newStore(t).Ping(context.Background())) })
}

// Now is a store-friendly timestamp: UTC, millisecond precision
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewLicense returns an ACTIVE license with a unique key
func NewLicense(maxActivations int) *entitlement.License {
	now := Now()
	expires := now.Add(30 * 24 * time.Hour)
	return &entitlement.License{
		ID:             uuid.New(),
		Key:            "TEST-" + uuid.NewString(),
		UserID:         "user-42",
		Plan:           "pro",
		Features:       []string{"reports", "export"},
		MaxActivations: maxActivations,
		Status:         domain.LicenseStatusActive,
		ExpiresAt:      &expires,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func mustCreate(t *testing.T, s entitlement.Store, lic *entitlement.License) {
	t.Helper()
	require.NoError(t, s.CreateLicense(context.Background(), lic))
}

func insert(snap *entitlement.Snapshot, hardwareID string, now time.Time) {
	snap.Insert(entitlement.Activation{
		ID:          uuid.New(),
		HardwareID:  hardwareID,
		MachineName: "host-" + hardwareID,
		ActivatedAt: now,
		LastCheckIn: now,
	})
}

func testCreateAndGet(t *testing.T, s entitlement.Store) {
	lic := NewLicense(2)
	mustCreate(t, s, lic)

	got, err := s.GetLicense(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Equal(t, lic.ID, got.ID)
	assert.Equal(t, lic.Key, got.Key)
	assert.Equal(t, lic.UserID, got.UserID)
	assert.Equal(t, lic.Plan, got.Plan)
	assert.ElementsMatch(t, lic.Features, got.Features)
	assert.Equal(t, lic.MaxActivations, got.MaxActivations)
	assert.Equal(t, lic.Status, got.Status)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, lic.ExpiresAt.Equal(*got.ExpiresAt))
	assert.True(t, lic.CreatedAt.Equal(got.CreatedAt))

	perpetual := NewLicense(1)
	perpetual.ExpiresAt = nil
	perpetual.Features = nil
	mustCreate(t, s, perpetual)
	got, err = s.GetLicense(context.Background(), perpetual.Key)
	require.NoError(t, err)
	assert.Nil(t, got.ExpiresAt)
	assert.Empty(t, got.Features)

	acts, err := s.ListActivations(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Empty(t, acts)
}

func testDuplicateKey(t *testing.T, s entitlement.Store) {
	lic := NewLicense(1)
	mustCreate(t, s, lic)

	dup := NewLicense(1)
	dup.Key = lic.Key
	err := s.CreateLicense(context.Background(), dup)
	assert.ErrorIs(t, err, entitlement.ErrDuplicateLicense)
}

func testNotFound(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	_, err := s.GetLicense(ctx, "TEST-missing")
	assert.ErrorIs(t, err, entitlement.ErrLicenseNotFound)

	_, err = s.ListActivations(ctx, "TEST-missing")
	assert.ErrorIs(t, err, entitlement.ErrLicenseNotFound)

	called := false
	err = s.Update(ctx, "TEST-missing", func(*entitlement.Snapshot) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, entitlement.ErrLicenseNotFound)
	assert.False(t, called)
}

func testUpdateCommits(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	lic := NewLicense(2)
	mustCreate(t, s, lic)
	now := Now()

	require.NoError(t, s.Update(ctx, lic.Key, func(snap *entitlement.Snapshot) error {
		assert.Equal(t, 0, snap.SeatsUsed())
		insert(snap, "HW-A", now)
		return nil
	}))

	later := now.Add(time.Minute)
	require.NoError(t, s.Update(ctx, lic.Key, func(snap *entitlement.Snapshot) error {
		require.Equal(t, 1, snap.SeatsUsed())
		a, ok := snap.ActiveFor("HW-A")
		require.True(t, ok)
		assert.Equal(t, "host-HW-A", a.MachineName)
		assert.Equal(t, lic.ID, a.LicenseID)
		assert.True(t, snap.Touch("HW-A", "renamed", later))
		return nil
	}))

	acts, err := s.ListActivations(ctx, lic.Key)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.True(t, acts[0].IsActive)
	assert.Equal(t, "renamed", acts[0].MachineName)
	assert.True(t, later.Equal(acts[0].LastCheckIn))
	assert.True(t, now.Equal(acts[0].ActivatedAt))
}

func testUpdateRollsBack(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	lic := NewLicense(2)
	mustCreate(t, s, lic)
	boom := errors.New("boom")

	err := s.Update(ctx, lic.Key, func(snap *entitlement.Snapshot) error {
		insert(snap, "HW-A", Now())
		snap.SetStatus(domain.LicenseStatusSuspended, Now())
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acts, err := s.ListActivations(ctx, lic.Key)
	require.NoError(t, err)
	assert.Empty(t, acts)

	got, err := s.GetLicense(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusActive, got.Status)
}

func testDeactivateRetainsRow(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	lic := NewLicense(1)
	mustCreate(t, s, lic)
	now := Now()

	require.NoError(t, s.Update(ctx, lic.Key, func(snap *entitlement.Snapshot) error {
		insert(snap, "HW-A", now)
		return nil
	}))
	require.NoError(t, s.Update(ctx, lic.Key, func(snap *entitlement.Snapshot) error {
		require.True(t, snap.Deactivate("HW-A", now.Add(time.Second)))
		assert.Equal(t, 0, snap.SeatsUsed())
		return nil
	}))
	// the same machine can come back as a new row
	require.NoError(t, s.Update(ctx, lic.Key, func(snap *entitlement.Snapshot) error {
		_, ok := snap.ActiveFor("HW-A")
		require.False(t, ok)
		insert(snap, "HW-A", now.Add(2*time.Second))
		return nil
	}))

	acts, err := s.ListActivations(ctx, lic.Key)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.False(t, acts[0].IsActive)
	require.NotNil(t, acts[0].DeactivatedAt)
	assert.True(t, now.Add(time.Second).Equal(*acts[0].DeactivatedAt))
	assert.True(t, acts[1].IsActive)
	assert.Nil(t, acts[1].DeactivatedAt)
}

func testLicenseChanges(t *testing.T, s entitlement.Store) {
	ctx := context.Background()
	lic := NewLicense(3)
	mustCreate(t, s, lic)
	now := Now()

	require.NoError(t, s.Update(ctx, lic.Key, func(snap *entitlement.Snapshot) error {
		insert(snap, "HW-A", now)
		insert(snap, "HW-B", now)
		return nil
	}))
	require.NoError(t, s.Update(ctx, lic.Key, func(snap *entitlement.Snapshot) error {
		snap.SetStatus(domain.LicenseStatusRevoked, now)
		snap.SetExpiresAt(nil, now)
		assert.Equal(t, 2, snap.DeactivateAll(now))
		return nil
	}))

	got, err := s.GetLicense(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusRevoked, got.Status)
	assert.Nil(t, got.ExpiresAt)

	acts, err := s.ListActivations(ctx, lic.Key)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	for _, a := range acts {
		assert.False(t, a.IsActive)
	}
}

// testSerializedUpdates fires concurrent check-then-insert units of work; a
// store that does not serialize them lets more rows through than the limit.
func testSerializedUpdates(t *testing.T, s entitlement.Store) {
	const (
		workers = 16
		limit   = 4
	)
	ctx := context.Background()
	lic := NewLicense(limit)
	mustCreate(t, s, lic)

	var granted atomic.Int32
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		hw := uuid.NewString()
		g.Go(func() error {
			var ok bool
			err := s.Update(ctx, lic.Key, func(snap *entitlement.Snapshot) error {
				ok = false
				if snap.SeatsUsed() >= limit {
					return nil
				}
				insert(snap, hw, Now())
				ok = true
				return nil
			})
			if ok && err == nil {
				granted.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(limit), granted.Load())

	acts, err := s.ListActivations(context.Background(), lic.Key)
	require.NoError(t, err)
	active := 0
	for _, a := range acts {
		if a.IsActive {
			active++
		}
	}
	assert.Equal(t, limit, active)
}
