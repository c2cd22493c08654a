// Package memory provides in-memory implementations of the storage
// interfaces. Suitable for tests and single-instance deployments; grants do
// not survive a restart.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
)

// Compile-time interface checks.
var (
	_ storage.PersistedGrantStore = (*GrantStore)(nil)
	_ storage.ClientStore         = (*ClientStore)(nil)
	_ storage.ResourceStore       = (*ResourceStore)(nil)
	_ storage.ConsentStore        = (*ConsentStore)(nil)
	_ security.Cache              = (*Cache)(nil)
)

// GrantStore is an in-memory PersistedGrantStore. Payloads are optionally
// encrypted at rest; expired grants behave as absent and are purged by a
// background cleanup loop.
type GrantStore struct {
	mu     sync.RWMutex
	grants map[string]*storage.PersistedGrant

	clock     security.Clock
	encryptor *security.Encryptor
	logger    *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// GrantStoreOption configures a GrantStore.
type GrantStoreOption func(*GrantStore)

// WithClock replaces the wall clock, for tests.
func WithClock(clock security.Clock) GrantStoreOption {
	return func(s *GrantStore) { s.clock = clock }
}

// WithEncryptor enables payload encryption at rest.
func WithEncryptor(enc *security.Encryptor) GrantStoreOption {
	return func(s *GrantStore) { s.encryptor = enc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GrantStoreOption {
	return func(s *GrantStore) { s.logger = logger }
}

// NewGrantStore creates an in-memory grant store and starts its cleanup loop.
// Call Close when done.
func NewGrantStore(opts ...GrantStoreOption) *GrantStore {
	s := &GrantStore{
		grants:      make(map[string]*storage.PersistedGrant),
		clock:       security.SystemClock{},
		logger:      slog.Default(),
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupLoop(5 * time.Minute)
	return s
}

// Close stops the cleanup loop.
func (s *GrantStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Store writes or overwrites a grant envelope.
func (s *GrantStore) Store(_ context.Context, grant *storage.PersistedGrant) error {
	stored := *grant
	if s.encryptor != nil {
		encrypted, err := s.encryptor.Encrypt(stored.Data)
		if err != nil {
			return err
		}
		stored.Data = encrypted
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[stored.Key] = &stored
	return nil
}

// Get retrieves a grant by hashed key. Missing and expired grants both
// return storage.ErrNotFound.
func (s *GrantStore) Get(_ context.Context, key string) (*storage.PersistedGrant, error) {
	s.mu.RLock()
	grant, ok := s.grants[key]
	if !ok || s.expired(grant) {
		s.mu.RUnlock()
		return nil, storage.ErrNotFound
	}
	// Copy while still holding the lock; MarkConsumed mutates the stored
	// struct in place.
	out := *grant
	s.mu.RUnlock()

	return s.decryptGrant(&out)
}

// MarkConsumed atomically marks an unconsumed grant consumed. Exactly one of
// any set of concurrent callers receives the grant; the rest see
// storage.ErrNotFound.
func (s *GrantStore) MarkConsumed(_ context.Context, key string, at time.Time) (*storage.PersistedGrant, error) {
	s.mu.Lock()
	grant, ok := s.grants[key]
	if !ok || s.expired(grant) || grant.ConsumedTime != nil {
		s.mu.Unlock()
		return nil, storage.ErrNotFound
	}
	consumed := at
	grant.ConsumedTime = &consumed
	out := *grant
	s.mu.Unlock()

	return s.decryptGrant(&out)
}

// Remove deletes a grant. Removing a missing key is a no-op.
func (s *GrantStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, key)
	return nil
}

// RemoveAll deletes every grant matching the filter.
func (s *GrantStore) RemoveAll(_ context.Context, filter storage.PersistedGrantFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, grant := range s.grants {
		if filter.Matches(grant) {
			delete(s.grants, key)
		}
	}
	return nil
}

// Count returns the number of live (unexpired) grants. For tests and metrics.
func (s *GrantStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, grant := range s.grants {
		if !s.expired(grant) {
			n++
		}
	}
	return n
}

func (s *GrantStore) expired(grant *storage.PersistedGrant) bool {
	return !grant.Expiration.IsZero() && s.clock.Now().After(grant.Expiration)
}

// decryptGrant decrypts the payload of an already-copied grant.
func (s *GrantStore) decryptGrant(out *storage.PersistedGrant) (*storage.PersistedGrant, error) {
	if s.encryptor != nil {
		data, err := s.encryptor.Decrypt(out.Data)
		if err != nil {
			return nil, err
		}
		out.Data = data
	}
	return out, nil
}

func (s *GrantStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *GrantStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, grant := range s.grants {
		if s.expired(grant) {
			delete(s.grants, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("cleaned up expired grants", "count", removed)
	}
}

// Cache is an in-memory security.Cache with per-entry expiration. Backs the
// device flow throttler in single-instance deployments.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	clock   security.Clock
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// NewCache creates an in-memory cache. A nil clock means the system clock.
func NewCache(clock security.Clock) *Cache {
	if clock == nil {
		clock = security.SystemClock{}
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		clock:   clock,
	}
}

// GetString returns the cached value and whether it was present and unexpired.
func (c *Cache) GetString(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && c.clock.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return "", false, nil
	}
	return entry.value, true, nil
}

// SetString stores a value until expiresAt. A zero time means no expiration.
func (c *Cache) SetString(_ context.Context, key, value string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: expiresAt}
	return nil
}

// ClientStore is an in-memory storage.ClientStore over a fixed client set.
type ClientStore struct {
	mu      sync.RWMutex
	clients map[string]*storage.Client
}

// NewClientStore creates a client store from the given clients.
func NewClientStore(clients ...*storage.Client) *ClientStore {
	s := &ClientStore{clients: make(map[string]*storage.Client, len(clients))}
	for _, c := range clients {
		s.clients[c.ClientID] = c
	}
	return s
}

// Add registers or replaces a client.
func (s *ClientStore) Add(client *storage.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client
}

// FindClientByID returns the client, or storage.ErrNotFound.
func (s *ClientStore) FindClientByID(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return client, nil
}

// ResourceStore is an in-memory storage.ResourceStore over fixed resource
// definitions.
type ResourceStore struct {
	identity []storage.IdentityResource
	apis     []storage.ApiResource
	scopes   []storage.ApiScope
}

// NewResourceStore creates a resource store from the given definitions.
func NewResourceStore(identity []storage.IdentityResource, apis []storage.ApiResource, scopes []storage.ApiScope) *ResourceStore {
	return &ResourceStore{identity: identity, apis: apis, scopes: scopes}
}

// FindResourcesByScopeName returns the subset of resources matching the given
// scope names. Unknown names are absent from the result.
func (s *ResourceStore) FindResourcesByScopeName(_ context.Context, scopeNames []string) (*storage.Resources, error) {
	names := make(map[string]struct{}, len(scopeNames))
	for _, n := range scopeNames {
		names[n] = struct{}{}
	}

	result := &storage.Resources{}
	for _, ir := range s.identity {
		if _, ok := names[ir.Name]; ok {
			result.IdentityResources = append(result.IdentityResources, ir)
		}
	}
	for _, sc := range s.scopes {
		if _, ok := names[sc.Name]; ok {
			result.ApiScopes = append(result.ApiScopes, sc)
		}
	}
	// An API resource is matched when any of its scopes was requested.
	for _, api := range s.apis {
		for _, scope := range api.Scopes {
			if _, ok := names[scope]; ok {
				result.ApiResources = append(result.ApiResources, api)
				break
			}
		}
	}
	return result, nil
}

// AllResources returns every registered definition.
func (s *ResourceStore) AllResources(_ context.Context) (*storage.Resources, error) {
	return &storage.Resources{
		IdentityResources: s.identity,
		ApiResources:      s.apis,
		ApiScopes:         s.scopes,
	}, nil
}

// ConsentStore is an in-memory storage.ConsentStore.
type ConsentStore struct {
	mu       sync.RWMutex
	consents map[string]*storage.UserConsent
	clock    security.Clock
}

// NewConsentStore creates an in-memory consent store. A nil clock means the
// system clock.
func NewConsentStore(clock security.Clock) *ConsentStore {
	if clock == nil {
		clock = security.SystemClock{}
	}
	return &ConsentStore{
		consents: make(map[string]*storage.UserConsent),
		clock:    clock,
	}
}

func consentKey(subjectID, clientID string) string {
	return subjectID + "|" + clientID
}

// Load returns the stored consent, or storage.ErrNotFound. Expired consent
// behaves as absent.
func (s *ConsentStore) Load(_ context.Context, subjectID, clientID string) (*storage.UserConsent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	consent, ok := s.consents[consentKey(subjectID, clientID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if consent.Expiration != nil && s.clock.Now().After(*consent.Expiration) {
		return nil, storage.ErrNotFound
	}
	return consent, nil
}

// Save stores or replaces a consent record.
func (s *ConsentStore) Save(_ context.Context, consent *storage.UserConsent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[consentKey(consent.SubjectID, consent.ClientID)] = consent
	return nil
}

// Remove deletes a consent record. Missing records are a no-op.
func (s *ConsentStore) Remove(_ context.Context, subjectID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consents, consentKey(subjectID, clientID))
	return nil
}
