package registry

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"blocktree/models"
)

var (
	ErrDuplicateRegistration = errors.New("user with this email or aadhar number is already registered")
	ErrUserNotFound          = errors.New("user not found")
	ErrInvalidIdentity       = errors.New("invalid identity")
)

// Registry indexes registered identities by both of their unique keys.
// Both indexes point at the same record, so an update through either key is
// visible through the other.
type Registry struct {
	mu          sync.RWMutex
	byPrimary   map[string]*record
	bySecondary map[string]*record
	lastSerial  uint64
}

// record keeps the serial assigned at reservation. Updates replace the
// identity but never the serial.
type record struct {
	serial   uint64
	identity models.Identity
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byPrimary:   make(map[string]*record),
		bySecondary: make(map[string]*record),
	}
}

func validateIdentity(identity models.Identity) error {
	if identity.PrimaryID == "" {
		return errors.Wrap(ErrInvalidIdentity, "email is required")
	}
	if identity.SecondaryID == "" {
		return errors.Wrap(ErrInvalidIdentity, "aadhar card number is required")
	}
	return nil
}

// Reserve inserts identity under both keys if neither is taken. Of any number
// of concurrent reservations sharing a key, at most one succeeds.
func (r *Registry) Reserve(identity models.Identity) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPrimary[identity.PrimaryID]; exists {
		return errors.Wrapf(ErrDuplicateRegistration, "email %s", identity.PrimaryID)
	}
	if _, exists := r.bySecondary[identity.SecondaryID]; exists {
		return errors.Wrapf(ErrDuplicateRegistration, "aadhar card number %s", identity.SecondaryID)
	}

	r.lastSerial++
	rec := &record{serial: r.lastSerial, identity: identity}
	r.byPrimary[identity.PrimaryID] = rec
	r.bySecondary[identity.SecondaryID] = rec
	return nil
}

// Update overwrites the record registered under either of identity's keys.
// Keys that change are re-indexed. Update fails if a changed key already
// belongs to another record.
func (r *Registry) Update(identity models.Identity) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.byPrimary[identity.PrimaryID]
	if !exists {
		rec, exists = r.bySecondary[identity.SecondaryID]
	}
	if !exists {
		return errors.Wrapf(ErrUserNotFound, "email %s", identity.PrimaryID)
	}

	if other, taken := r.byPrimary[identity.PrimaryID]; taken && other != rec {
		return errors.Wrapf(ErrDuplicateRegistration, "email %s", identity.PrimaryID)
	}
	if other, taken := r.bySecondary[identity.SecondaryID]; taken && other != rec {
		return errors.Wrapf(ErrDuplicateRegistration, "aadhar card number %s", identity.SecondaryID)
	}

	delete(r.byPrimary, rec.identity.PrimaryID)
	delete(r.bySecondary, rec.identity.SecondaryID)
	rec.identity = identity
	r.byPrimary[identity.PrimaryID] = rec
	r.bySecondary[identity.SecondaryID] = rec
	return nil
}

func (r *Registry) ContainsPrimary(primaryID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.byPrimary[primaryID]
	return exists
}

func (r *Registry) ContainsSecondary(secondaryID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.bySecondary[secondaryID]
	return exists
}

// Serial returns the number assigned to the record registered under
// primaryID when it was reserved. Updates that change the record's keys
// keep its serial.
func (r *Registry) Serial(primaryID string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.byPrimary[primaryID]
	if !exists {
		return 0, false
	}
	return rec.serial, true
}

// Get returns a copy of the record registered under primaryID.
func (r *Registry) Get(primaryID string) (*models.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.byPrimary[primaryID]
	if !exists {
		return nil, false
	}
	// Return a copy to prevent modification of internal state
	identity := rec.identity
	return &identity, true
}

// Find looks identifier up as a primary key first, then as a secondary key.
func (r *Registry) Find(identifier string) (*models.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.byPrimary[identifier]
	if !exists {
		rec, exists = r.bySecondary[identifier]
	}
	if !exists {
		return nil, false
	}
	identity := rec.identity
	return &identity, true
}

// Size returns the number of registered identities.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPrimary)
}

// Identities returns a snapshot of every record ordered by primary key.
func (r *Registry) Identities() []models.Identity {
	r.mu.RLock()
	identities := make([]models.Identity, 0, len(r.byPrimary))
	for _, rec := range r.byPrimary {
		identities = append(identities, rec.identity)
	}
	r.mu.RUnlock()

	sort.Slice(identities, func(i, j int) bool {
		return identities[i].PrimaryID < identities[j].PrimaryID
	})
	return identities
}
