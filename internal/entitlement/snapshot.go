package entitlement

import (
	"time"

	"github.com/google/uuid"

	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

// Snapshot is the working copy of one license inside Store.Update. Mutations
// are recorded and handed back to the store through Changes.
type Snapshot struct {
	license      *License
	active       []Activation
	licenseDirty bool
	dirty        map[uuid.UUID]int // activation id -> index in rows
	rows         []Activation
}

// Changes is what a Store must persist when the unit of work commits
type Changes struct {
	// License is nil when the license row is unchanged
	License *License
	// Activations holds every inserted or modified row, in mutation order
	Activations []Activation
}

// Empty reports whether there is nothing to write
func (c Changes) Empty() bool {
	return c.License == nil && len(c.Activations) == 0
}

// NewSnapshot builds a snapshot from stored state. Inputs are copied.
func NewSnapshot(license *License, active []Activation) *Snapshot {
	s := &Snapshot{
		license: license.Clone(),
		dirty:   make(map[uuid.UUID]int),
	}
	for _, a := range active {
		if a.IsActive {
			s.active = append(s.active, a.Clone())
		}
	}
	return s
}

// License returns the working license. Read only; use the setters to change it.
func (s *Snapshot) License() *License {
	return s.license
}

// SeatsUsed returns the number of active activations
func (s *Snapshot) SeatsUsed() int {
	return len(s.active)
}

// ActiveFor returns the active activation for hardwareID
func (s *Snapshot) ActiveFor(hardwareID string) (Activation, bool) {
	for _, a := range s.active {
		if a.HardwareID == hardwareID {
			return a.Clone(), true
		}
	}
	return Activation{}, false
}

// SetStatus changes the license status
func (s *Snapshot) SetStatus(status domain.LicenseStatus, now time.Time) {
	s.license.Status = status
	s.license.UpdatedAt = now
	s.licenseDirty = true
}

// SetExpiresAt changes the license expiry; nil makes it perpetual
func (s *Snapshot) SetExpiresAt(expiresAt *time.Time, now time.Time) {
	s.license.ExpiresAt = expiresAt
	s.license.UpdatedAt = now
	s.licenseDirty = true
}

// Insert adds a new active activation
func (s *Snapshot) Insert(a Activation) {
	a.LicenseID = s.license.ID
	a.IsActive = true
	s.active = append(s.active, a.Clone())
	s.record(a)
}

// Touch refreshes lastCheckIn (and machineName when non-empty) of the active
// row for hardwareID.
func (s *Snapshot) Touch(hardwareID, machineName string, now time.Time) bool {
	for i := range s.active {
		if s.active[i].HardwareID == hardwareID {
			s.active[i].LastCheckIn = now
			if machineName != "" {
				s.active[i].MachineName = machineName
			}
			s.record(s.active[i])
			return true
		}
	}
	return false
}

// Deactivate releases the seat held by hardwareID
func (s *Snapshot) Deactivate(hardwareID string, now time.Time) bool {
	for i := range s.active {
		if s.active[i].HardwareID == hardwareID {
			s.release(i, now)
			return true
		}
	}
	return false
}

// DeactivateAll releases every seat and returns how many were released
func (s *Snapshot) DeactivateAll(now time.Time) int {
	n := len(s.active)
	for len(s.active) > 0 {
		s.release(len(s.active)-1, now)
	}
	return n
}

// Changes returns the recorded mutations
func (s *Snapshot) Changes() Changes {
	var c Changes
	if s.licenseDirty {
		c.License = s.license.Clone()
	}
	for _, a := range s.rows {
		c.Activations = append(c.Activations, a.Clone())
	}
	return c
}

func (s *Snapshot) release(i int, now time.Time) {
	a := s.active[i]
	a.IsActive = false
	a.DeactivatedAt = &now
	s.active = append(s.active[:i], s.active[i+1:]...)
	s.record(a)
}

func (s *Snapshot) record(a Activation) {
	if idx, ok := s.dirty[a.ID]; ok {
		s.rows[idx] = a.Clone()
		return
	}
	s.dirty[a.ID] = len(s.rows)
	s.rows = append(s.rows, a.Clone())
}
