package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStateNotFound is returned when no state exists for a key.
	ErrStateNotFound = errors.New("state not found")

	// ErrVersionConflict is returned by SaveState and DeleteState when the
	// stored version differs from the one the caller loaded.
	ErrVersionConflict = errors.New("state version conflict")

	// ErrClientNotFound is returned when a client id is unknown in a tenant.
	ErrClientNotFound = errors.New("client not found")

	// ErrTenantNotFound is returned when a tenant id is unknown.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrUserNotFound is returned when a user id is unknown in a tenant.
	ErrUserNotFound = errors.New("user not found")
)

// Record is the durable form of one entity's state.
type Record struct {
	// Key identifies the entity, e.g. "grant:<sha256 of code>".
	Key string

	// Data is the serialized (and possibly sealed) state.
	Data []byte

	// Version is the version this record was loaded at. Zero means the
	// record does not exist yet. A successful save stores Version+1.
	Version int64

	// ExpiresAt is a physical retention hint. Backends may drop the record
	// any time after it; correctness never depends on it. Zero keeps forever.
	ExpiresAt time.Time
}

// StateStore persists entity state. Every method must be safe for
// concurrent use, although the actor runtime never issues concurrent calls
// for the same key from one process.
type StateStore interface {
	// LoadState returns the current record or ErrStateNotFound.
	LoadState(ctx context.Context, key string) (*Record, error)

	// SaveState writes rec.Data if the stored version equals rec.Version
	// (absent when rec.Version is 0) and returns the new version.
	// It returns ErrVersionConflict otherwise. Any other error leaves the
	// outcome unknown.
	SaveState(ctx context.Context, rec *Record) (int64, error)

	// DeleteState removes the record if it is still at version.
	// Deleting an absent record is not an error.
	DeleteState(ctx context.Context, key string, version int64) error
}

// ClientStore holds client registrations.
type ClientStore interface {
	// GetClient returns the client or ErrClientNotFound.
	GetClient(ctx context.Context, tenantID, clientID string) (*Client, error)

	// SaveClient creates or replaces a client.
	SaveClient(ctx context.Context, client *Client) error

	// AddClientSecret stores secret as the client's only secret; any
	// previously stored secrets are discarded.
	AddClientSecret(ctx context.Context, tenantID, clientID string, secret ClientSecret) error
}

// DirectoryStore exposes tenant, user and membership records maintained
// elsewhere.
type DirectoryStore interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	GetUser(ctx context.Context, tenantID, userID string) (*User, error)

	// ListMemberships returns all memberships of userID inside tenantID,
	// tenant-wide and organization-scoped.
	ListMemberships(ctx context.Context, tenantID, userID string) ([]Membership, error)
}
