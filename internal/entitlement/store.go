package entitlement

import "context"

// Store persists licenses and activations
type Store interface {
	// CreateLicense inserts a new license. Returns ErrDuplicateLicense when the key exists.
	CreateLicense(ctx context.Context, license *License) error
	// GetLicense returns the license for key or ErrLicenseNotFound
	GetLicense(ctx context.Context, key string) (*License, error)
	// ListActivations returns every activation row of the license, oldest first
	ListActivations(ctx context.Context, key string) ([]Activation, error)
	// Update runs fn against a snapshot of the license and its active
	// activations and commits the snapshot changes iff fn returns nil.
	// Updates of the same license are serialized. fn may be called more than once.
	Update(ctx context.Context, key string, fn func(*Snapshot) error) error
	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error
	// Close releases backend resources
	Close(ctx context.Context) error
}
