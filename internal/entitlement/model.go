package entitlement

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

// License is the server-authoritative license record
type License struct {
	ID             uuid.UUID
	Key            string
	UserID         string
	Plan           string
	Features       []string
	MaxActivations int
	Status         domain.LicenseStatus
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy
func (l *License) Clone() *License {
	c := *l
	c.Features = slices.Clone(l.Features)
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// ExpiredAt reports whether the license's expiry has passed at now
func (l *License) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// View converts the license to its wire representation
func (l *License) View() domain.LicenseView {
	return domain.LicenseView{
		ID:             l.ID.String(),
		LicenseKey:     l.Key,
		UserID:         l.UserID,
		Plan:           l.Plan,
		Features:       slices.Clone(l.Features),
		MaxActivations: l.MaxActivations,
		Status:         l.Status,
		ExpiresAt:      l.ExpiresAt,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
}

// Activation is one machine's claim on a seat. Rows are never deleted.
type Activation struct {
	ID            uuid.UUID
	LicenseID     uuid.UUID
	HardwareID    string
	MachineName   string
	ActivatedAt   time.Time
	LastCheckIn   time.Time
	IsActive      bool
	DeactivatedAt *time.Time
}

// Clone returns a deep copy
func (a Activation) Clone() Activation {
	if a.DeactivatedAt != nil {
		t := *a.DeactivatedAt
		a.DeactivatedAt = &t
	}
	return a
}

// View converts the activation to its wire representation
func (a Activation) View() domain.ActivationView {
	return domain.ActivationView{
		ID:            a.ID.String(),
		HardwareID:    a.HardwareID,
		MachineName:   a.MachineName,
		ActivatedAt:   a.ActivatedAt,
		LastCheckIn:   a.LastCheckIn,
		IsActive:      a.IsActive,
		DeactivatedAt: a.DeactivatedAt,
	}
}

// Entitlement is the result of a successful validate, activate or heartbeat
type Entitlement struct {
	LicenseKey  string
	Plan        string
	Features    []string
	ExpiresAt   *time.Time
	SeatsUsed   int
	SeatsMax    int
	ValidatedAt time.Time
	NextCheckIn *time.Time
}

// IssueParams describes a new server-issued license
type IssueParams struct {
	// Key is generated when empty
	Key            string
	UserID         string
	Plan           string
	Features       []string
	MaxActivations int
	ExpiresAt      *time.Time
}
