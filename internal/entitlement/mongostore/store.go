// Package mongostore implements entitlement.Store on MongoDB. A license and
// its activations live in one document carrying a version counter; Update
// replaces the document only if the version is unchanged and retries otherwise.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/Micka420-collab/CRM-SERV-sub000/internal/entitlement"
	"github.com/Micka420-collab/CRM-SERV-sub000/pkg/contracts/domain"
)

const (
	defaultCollection = "licenses"
	defaultMaxRetries = 8
)

// validCollectionName matches safe MongoDB collection names.
var validCollectionName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Option configures a Store
type Option func(*Store)

// WithCollectionName sets the collection name. Default: "licenses".
func WithCollectionName(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.collectionName = name
		}
	}
}

// WithMaxRetries bounds the optimistic retries of one Update
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// Store implements entitlement.Store using MongoDB
type Store struct {
	collection     *mongo.Collection
	collectionName string
	maxRetries     int
	client         *mongo.Client // set when the store owns the connection
}

type activationDoc struct {
	ID            string     `bson:"id"`
	HardwareID    string     `bson:"hardware_id"`
	MachineName   string     `bson:"machine_name"`
	ActivatedAt   time.Time  `bson:"activated_at"`
	LastCheckIn   time.Time  `bson:"last_check_in"`
	IsActive      bool       `bson:"is_active"`
	DeactivatedAt *time.Time `bson:"deactivated_at,omitempty"`
}

type licenseDoc struct {
	ID             string          `bson:"_id"`
	Key            string          `bson:"license_key"`
	UserID         string          `bson:"user_id"`
	Plan           string          `bson:"plan"`
	Features       []string        `bson:"features"`
	MaxActivations int             `bson:"max_activations"`
	Status         string          `bson:"status"`
	ExpiresAt      *time.Time      `bson:"expires_at,omitempty"`
	CreatedAt      time.Time       `bson:"created_at"`
	UpdatedAt      time.Time       `bson:"updated_at"`
	Version        int64           `bson:"version"`
	Activations    []activationDoc `bson:"activations"`
}

// Open connects to uri and returns a Store on database that owns the client
func Open(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s, err := New(ctx, client.Database(database), opts...)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.client = client
	return s, nil
}

// New creates a Store on db and creates its indexes. The caller keeps
// ownership of the client behind db.
func New(ctx context.Context, db *mongo.Database, opts ...Option) (*Store, error) {
	s := &Store{
		collectionName: defaultCollection,
		maxRetries:     defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !validCollectionName.MatchString(s.collectionName) {
		return nil, fmt.Errorf("invalid collection name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", s.collectionName)
	}
	s.collection = db.Collection(s.collectionName)

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "license_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// CreateLicense implements entitlement.Store
func (s *Store) CreateLicense(ctx context.Context, license *entitlement.License) error {
	doc := fromLicense(license)
	doc.Activations = []activationDoc{}

	_, err := s.collection.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return entitlement.ErrDuplicateLicense
	}
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

// GetLicense implements entitlement.Store
func (s *Store) GetLicense(ctx context.Context, key string) (*entitlement.License, error) {
	doc, err := s.find(ctx, key)
	if err != nil {
		return nil, err
	}
	return doc.license()
}

// ListActivations implements entitlement.Store
func (s *Store) ListActivations(ctx context.Context, key string) ([]entitlement.Activation, error) {
	doc, err := s.find(ctx, key)
	if err != nil {
		return nil, err
	}
	return doc.activations(false)
}

// Update implements entitlement.Store with optimistic concurrency. When
// another writer bumps the version first, fn is re-run on fresh state.
func (s *Store) Update(ctx context.Context, key string, fn func(*entitlement.Snapshot) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		doc, err := s.find(ctx, key)
		if err != nil {
			return err
		}
		lic, err := doc.license()
		if err != nil {
			return err
		}
		active, err := doc.activations(true)
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

		expected := doc.Version
		doc.apply(changes)
		doc.Version = expected + 1

		res, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID, "version": expected}, doc)
		if err != nil {
			return fmt.Errorf("replace license: %w", err)
		}
		if res.MatchedCount == 1 {
			return nil
		}
		if err := backoff(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: license %s after %d attempts", entitlement.ErrConflict, key, s.maxRetries)
}

// Ping implements entitlement.Store
func (s *Store) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, readpref.Primary())
}

// Close implements entitlement.Store. A database passed to New is left connected.
func (s *Store) Close(ctx context.Context) error {
	if s.client != nil {
		return s.client.Disconnect(ctx)
	}
	return nil
}

func (s *Store) find(ctx context.Context, key string) (*licenseDoc, error) {
	var doc licenseDoc
	err := s.collection.FindOne(ctx, bson.M{"license_key": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entitlement.ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find license: %w", err)
	}
	return &doc, nil
}

// backoff sleeps a short jittered delay growing with attempt
func backoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt+1)*2*time.Millisecond + time.Duration(rand.Int64N(int64(2*time.Millisecond)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func fromLicense(l *entitlement.License) *licenseDoc {
	return &licenseDoc{
		ID:             l.ID.String(),
		Key:            l.Key,
		UserID:         l.UserID,
		Plan:           l.Plan,
		Features:       l.Features,
		MaxActivations: l.MaxActivations,
		Status:         string(l.Status),
		ExpiresAt:      l.ExpiresAt,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
}

func fromActivation(a entitlement.Activation) activationDoc {
	return activationDoc{
		ID:            a.ID.String(),
		HardwareID:    a.HardwareID,
		MachineName:   a.MachineName,
		ActivatedAt:   a.ActivatedAt,
		LastCheckIn:   a.LastCheckIn,
		IsActive:      a.IsActive,
		DeactivatedAt: a.DeactivatedAt,
	}
}

func (d *licenseDoc) license() (*entitlement.License, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("license id %q: %w", d.ID, err)
	}
	return &entitlement.License{
		ID:             id,
		Key:            d.Key,
		UserID:         d.UserID,
		Plan:           d.Plan,
		Features:       d.Features,
		MaxActivations: d.MaxActivations,
		Status:         domain.LicenseStatus(d.Status),
		ExpiresAt:      utcPtr(d.ExpiresAt),
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}, nil
}

func (d *licenseDoc) activations(activeOnly bool) ([]entitlement.Activation, error) {
	licenseID, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("license id %q: %w", d.ID, err)
	}
	out := make([]entitlement.Activation, 0, len(d.Activations))
	for _, a := range d.Activations {
		if activeOnly && !a.IsActive {
			continue
		}
		id, err := uuid.Parse(a.ID)
		if err != nil {
			return nil, fmt.Errorf("activation id %q: %w", a.ID, err)
		}
		out = append(out, entitlement.Activation{
			ID:            id,
			LicenseID:     licenseID,
			HardwareID:    a.HardwareID,
			MachineName:   a.MachineName,
			ActivatedAt:   a.ActivatedAt.UTC(),
			LastCheckIn:   a.LastCheckIn.UTC(),
			IsActive:      a.IsActive,
			DeactivatedAt: utcPtr(a.DeactivatedAt),
		})
	}
	return out, nil
}

// apply merges snapshot changes into the document
func (d *licenseDoc) apply(c entitlement.Changes) {
	if c.License != nil {
		next := fromLicense(c.License)
		d.Features = next.Features
		d.MaxActivations = next.MaxActivations
		d.Status = next.Status
		d.ExpiresAt = next.ExpiresAt
		d.UpdatedAt = next.UpdatedAt
	}
	for _, a := range c.Activations {
		row := fromActivation(a)
		replaced := false
		for i := range d.Activations {
			if d.Activations[i].ID == row.ID {
				d.Activations[i] = row
				replaced = true
				break
			}
		}
		if !replaced {
			d.Activations = append(d.Activations, row)
		}
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
