// Package storage defines the data model of the issuance engine (clients,
// resources, grant payloads) and the interfaces for persisting them. One
// logical persisted-grant store backs every grant kind through the
// PersistedGrant envelope; implementations are provided in subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a key does not exist. Removal of a
// missing key is not an error; retrieval is.
var ErrNotFound = errors.New("not found")

// PersistedGrant is the generic storage envelope for all grant kinds. Key is
// always the type-salted hash of the raw handle, so identical raw values of
// different grant types never collide.
type PersistedGrant struct {
	Key          string     `json:"key"`
	Type         string     `json:"type"`
	ClientID     string     `json:"client_id"`
	SubjectID    string     `json:"subject_id,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	Description  string     `json:"description,omitempty"`
	CreationTime time.Time  `json:"creation_time"`
	Expiration   time.Time  `json:"expiration"`
	ConsumedTime *time.Time `json:"consumed_time,omitempty"`
	Data         string     `json:"data"`
}

// PersistedGrantFilter selects grants for bulk removal. Empty fields match
// everything.
type PersistedGrantFilter struct {
	SubjectID string
	ClientID  string
	SessionID string
	Type      string
}

// Matches reports whether the grant satisfies the filter.
func (f PersistedGrantFilter) Matches(g *PersistedGrant) bool {
	if f.SubjectID != "" && f.SubjectID != g.SubjectID {
		return false
	}
	if f.ClientID != "" && f.ClientID != g.ClientID {
		return false
	}
	if f.SessionID != "" && f.SessionID != g.SessionID {
		return false
	}
	if f.Type != "" && f.Type != g.Type {
		return false
	}
	return true
}

// PersistedGrantStore persists grant envelopes keyed by hashed handle.
// Implementations own expiry: a grant whose Expiration has passed must behave
// as absent. All methods accept context.Context for cancellation; writes are
// all-or-nothing.
type PersistedGrantStore interface {
	// Store writes or overwrites a grant envelope.
	Store(ctx context.Context, grant *PersistedGrant) error

	// Get retrieves a grant by hashed key. Returns ErrNotFound for missing or
	// expired grants.
	Get(ctx context.Context, key string) (*PersistedGrant, error)

	// MarkConsumed atomically marks an unconsumed grant consumed at the given
	// time. It returns the grant to exactly one caller; concurrent calls for
	// the same key see ErrNotFound once the grant is consumed. This is the
	// synchronization point for single-use grant redemption.
	MarkConsumed(ctx context.Context, key string, at time.Time) (*PersistedGrant, error)

	// Remove deletes a grant. Removing a missing key is a no-op.
	Remove(ctx context.Context, key string) error

	// RemoveAll deletes every grant matching the filter. Matching nothing is
	// a no-op.
	RemoveAll(ctx context.Context, filter PersistedGrantFilter) error
}

// ClientStore loads client configuration. Implementations return a read-only
// snapshot; the engine never mutates clients.
type ClientStore interface {
	// FindClientByID returns the client, or ErrNotFound.
	FindClientByID(ctx context.Context, clientID string) (*Client, error)
}

// ResourceStore loads resource and scope definitions.
type ResourceStore interface {
	// FindResourcesByScopeName returns the identity resources, API scopes and
	// API resources matching the given scope names. Unknown names are simply
	// absent from the result.
	FindResourcesByScopeName(ctx context.Context, scopeNames []string) (*Resources, error)

	// AllResources returns every registered resource definition.
	AllResources(ctx context.Context) (*Resources, error)
}

// ConsentStore persists user consent decisions.
type ConsentStore interface {
	// Load returns the stored consent for a subject/client pair, or
	// ErrNotFound.
	Load(ctx context.Context, subjectID, clientID string) (*UserConsent, error)

	// Save stores or replaces a consent record.
	Save(ctx context.Context, consent *UserConsent) error

	// Remove deletes a consent record. Missing records are a no-op.
	Remove(ctx context.Context, subjectID, clientID string) error
}

// HandleGenerator produces cryptographically random opaque handles for
// grants. Implemented by the tokens package.
type HandleGenerator interface {
	Generate() (string, error)
}
