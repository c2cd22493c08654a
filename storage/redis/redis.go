// Package redis provides Redis-backed implementations of the storage
// interfaces for multi-instance deployments. Grant expiry is delegated to
// Redis TTLs and single-use consumption is made atomic with a Lua script.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/idsvr/idsvr/security"
	"github.com/idsvr/idsvr/storage"
)

// Compile-time interface checks.
var (
	_ storage.PersistedGrantStore = (*GrantStore)(nil)
	_ security.Cache              = (*Cache)(nil)
)

const (
	grantKeyPrefix = "idsvr:grant:"
	indexKeyPrefix = "idsvr:grantidx:"
	cacheKeyPrefix = "idsvr:cache:"
)

// markConsumedScript atomically sets consumed_time on an unconsumed grant and
// returns the pre-consumption JSON, or nil when the grant is missing or
// already consumed. KEYS[1] = grant key, ARGV[1] = RFC3339Nano timestamp.
var markConsumedScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return nil
end
local grant = cjson.decode(raw)
if grant['consumed_time'] ~= nil and grant['consumed_time'] ~= cjson.null then
  return nil
end
grant['consumed_time'] = ARGV[1]
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], cjson.encode(grant), 'PX', ttl)
else
  redis.call('SET', KEYS[1], cjson.encode(grant))
end
return raw
`)

// GrantStore is a Redis-backed PersistedGrantStore. Alongside each envelope it
// maintains per-subject and per-session index sets so RemoveAll does not need
// a full keyspace scan.
type GrantStore struct {
	client    redis.UniversalClient
	clock     security.Clock
	encryptor *security.Encryptor
	logger    *slog.Logger
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

// NewGrantStore creates a Redis-backed grant store.
func NewGrantStore(client redis.UniversalClient, opts ...GrantStoreOption) *GrantStore {
	s := &GrantStore{
		client: client,
		clock:  security.SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func grantKey(key string) string {
	return grantKeyPrefix + key
}

func subjectIndexKey(subjectID string) string {
	return indexKeyPrefix + "sub:" + subjectID
}

func sessionIndexKey(sessionID string) string {
	return indexKeyPrefix + "sid:" + sessionID
}

// Store writes or overwrites a grant envelope with a TTL derived from its
// expiration.
func (s *GrantStore) Store(ctx context.Context, grant *storage.PersistedGrant) error {
	stored := *grant
	if s.encryptor != nil {
		encrypted, err := s.encryptor.Encrypt(stored.Data)
		if err != nil {
			return err
		}
		stored.Data = encrypted
	}

	raw, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to serialize grant: %w", err)
	}

	ttl := time.Duration(0)
	if !stored.Expiration.IsZero() {
		ttl = stored.Expiration.Sub(s.clock.Now())
		if ttl <= 0 {
			// Already expired; storing it would be indistinguishable from absent.
			return nil
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, grantKey(stored.Key), raw, ttl)
	if stored.SubjectID != "" {
		idx := subjectIndexKey(stored.SubjectID)
		pipe.SAdd(ctx, idx, stored.Key)
		if ttl > 0 {
			pipe.Expire(ctx, idx, ttl)
		}
	}
	if stored.SessionID != "" {
		idx := sessionIndexKey(stored.SessionID)
		pipe.SAdd(ctx, idx, stored.Key)
		if ttl > 0 {
			pipe.Expire(ctx, idx, ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

// Get retrieves a grant by hashed key. Expired grants are evicted by Redis
// and surface as storage.ErrNotFound.
func (s *GrantStore) Get(ctx context.Context, key string) (*storage.PersistedGrant, error) {
	raw, err := s.client.Get(ctx, grantKey(key)).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	return s.decode(raw)
}

// MarkConsumed atomically marks an unconsumed grant consumed via a Lua
// script, so exactly one of any set of concurrent callers receives the grant.
func (s *GrantStore) MarkConsumed(ctx context.Context, key string, at time.Time) (*storage.PersistedGrant, error) {
	result, err := markConsumedScript.Run(ctx, s.client, []string{grantKey(key)}, at.UTC().Format(time.RFC3339Nano)).Result()
	if err == redis.Nil || result == nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume grant: %w", err)
	}
	raw, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected script result type %T", result)
	}
	grant, err := s.decode(raw)
	if err != nil {
		return nil, err
	}
	consumed := at
	grant.ConsumedTime = &consumed
	return grant, nil
}

// Remove deletes a grant. Removing a missing key is a no-op. Stale index
// entries are tolerated; RemoveAll skips keys that no longer resolve.
func (s *GrantStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, grantKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to remove grant: %w", err)
	}
	return nil
}

// RemoveAll deletes every grant matching the filter. Grants are located
// through the subject or session index; a filter carrying neither falls back
// to a keyspace scan over the grant prefix.
func (s *GrantStore) RemoveAll(ctx context.Context, filter storage.PersistedGrantFilter) error {
	var keys []string
	var err error
	switch {
	case filter.SubjectID != "":
		keys, err = s.client.SMembers(ctx, subjectIndexKey(filter.SubjectID)).Result()
	case filter.SessionID != "":
		keys, err = s.client.SMembers(ctx, sessionIndexKey(filter.SessionID)).Result()
	default:
		keys, err = s.scanGrantKeys(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to enumerate grants: %w", err)
	}

	for _, key := range keys {
		raw, err := s.client.Get(ctx, grantKey(key)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load grant: %w", err)
		}
		var grant storage.PersistedGrant
		if err := json.Unmarshal([]byte(raw), &grant); err != nil {
			s.logger.Warn("skipping undecodable grant during removal", "error", err)
			continue
		}
		if !filter.Matches(&grant) {
			continue
		}
		if err := s.client.Del(ctx, grantKey(key)).Err(); err != nil {
			return fmt.Errorf("failed to remove grant: %w", err)
		}
	}
	return nil
}

func (s *GrantStore) scanGrantKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, grantKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(grantKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *GrantStore) decode(raw string) (*storage.PersistedGrant, error) {
	var grant storage.PersistedGrant
	if err := json.Unmarshal([]byte(raw), &grant); err != nil {
		return nil, fmt.Errorf("failed to deserialize grant: %w", err)
	}
	if s.encryptor != nil {
		data, err := s.encryptor.Decrypt(grant.Data)
		if err != nil {
			return nil, err
		}
		grant.Data = data
	}
	return &grant, nil
}

// Cache is a Redis-backed security.Cache. Used to share device-flow throttle
// state across instances.
type Cache struct {
	client redis.UniversalClient
	clock  security.Clock
}

// NewCache creates a Redis-backed cache. A nil clock means the system clock.
func NewCache(client redis.UniversalClient, clock security.Clock) *Cache {
	if clock == nil {
		clock = security.SystemClock{}
	}
	return &Cache{client: client, clock: clock}
}

// GetString returns the cached value and whether it was present.
func (c *Cache) GetString(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, cacheKeyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cache: %w", err)
	}
	return value, true, nil
}

// SetString stores a value until expiresAt. A zero time means no expiration.
func (c *Cache) SetString(ctx context.Context, key, value string, expiresAt time.Time) error {
	ttl := time.Duration(0)
	if !expiresAt.IsZero() {
		ttl = expiresAt.Sub(c.clock.Now())
		if ttl <= 0 {
			return nil
		}
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}
