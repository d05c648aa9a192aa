package entitlement

import (
	"context"
	"fmt"
	"sync"
)

type memoryRecord struct {
	mu          sync.Mutex
	license     *License
	activations []Activation
}

// MemoryStore is an in-process Store. Each license has its own mutex, so
// updates of different licenses proceed in parallel.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

// CreateLicense implements Store
func (m *MemoryStore) CreateLicense(ctx context.Context, license *License) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[license.Key]; ok {
		return ErrDuplicateLicense
	}
	m.records[license.Key] = &memoryRecord{license: license.Clone()}
	return nil
}

// GetLicense implements Store
func (m *MemoryStore) GetLicense(ctx context.Context, key string) (*License, error) {
	rec, err := m.record(ctx, key)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.license.Clone(), nil
}

// ListActivations implements Store
func (m *MemoryStore) ListActivations(ctx context.Context, key string) ([]Activation, error) {
	rec, err := m.record(ctx, key)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	out := make([]Activation, 0, len(rec.activations))
	for _, a := range rec.activations {
		out = append(out, a.Clone())
	}
	return out, nil
}

// Update implements Store
func (m *MemoryStore) Update(ctx context.Context, key string, fn func(*Snapshot) error) error {
	rec, err := m.record(ctx, key)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := NewSnapshot(rec.license, rec.activations)
	if err := fn(snap); err != nil {
		return err
	}

	changes := snap.Changes()
	if err := checkActivePairs(rec.activations, changes.Activations); err != nil {
		return err
	}
	if changes.License != nil {
		rec.license = changes.License
	}
	for _, a := range changes.Activations {
		replaced := false
		for i := range rec.activations {
			if rec.activations[i].ID == a.ID {
				rec.activations[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			rec.activations = append(rec.activations, a)
		}
	}
	return nil
}

// Ping implements Store
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Store
func (m *MemoryStore) Close(context.Context) error {
	return nil
}

func (m *MemoryStore) record(ctx context.Context, key string) (*memoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, ErrLicenseNotFound
	}
	return rec, nil
}

// checkActivePairs enforces at most one active row per hardware ID after
// applying changes, mirroring the unique index of the SQL backend.
func checkActivePairs(existing, changes []Activation) error {
	final := make(map[string]int)
	changed := make(map[string]Activation, len(changes))
	for _, a := range changes {
		changed[a.ID.String()] = a
	}
	for _, a := range existing {
		if c, ok := changed[a.ID.String()]; ok {
			a = c
			delete(changed, a.ID.String())
		}
		if a.IsActive {
			final[a.HardwareID]++
		}
	}
	for _, a := range changed {
		if a.IsActive {
			final[a.HardwareID]++
		}
	}
	for hw, n := range final {
		if n > 1 {
			return fmt.Errorf("%w: %d active activations for hardware %q", ErrConflict, n, hw)
		}
	}
	return nil
}
