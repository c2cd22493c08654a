// Package mock provides scriptable storage implementations for failure-path
// tests. Each operation can be made to fail with a configured error while
// delegating to an in-memory store otherwise.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/idsvr/idsvr/storage"
	"github.com/idsvr/idsvr/storage/memory"
)

var _ storage.PersistedGrantStore = (*GrantStore)(nil)

// GrantStore wraps an in-memory grant store with injectable errors and call
// counters.
type GrantStore struct {
	mu sync.Mutex

	inner *memory.GrantStore

	StoreErr        error
	GetErr          error
	MarkConsumedErr error
	RemoveErr       error
	RemoveAllErr    error

	StoreCalls        int
	GetCalls          int
	MarkConsumedCalls int
	RemoveCalls       int
	RemoveAllCalls    int
}

// NewGrantStore creates a mock grant store over a fresh in-memory store.
func NewGrantStore(opts ...memory.GrantStoreOption) *GrantStore {
	return &GrantStore{inner: memory.NewGrantStore(opts...)}
}

// Close stops the underlying store's cleanup loop.
func (s *GrantStore) Close() {
	s.inner.Close()
}

func (s *GrantStore) Store(ctx context.Context, grant *storage.PersistedGrant) error {
	s.mu.Lock()
	s.StoreCalls++
	err := s.StoreErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.Store(ctx, grant)
}

func (s *GrantStore) Get(ctx context.Context, key string) (*storage.PersistedGrant, error) {
	s.mu.Lock()
	s.GetCalls++
	err := s.GetErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.inner.Get(ctx, key)
}

func (s *GrantStore) MarkConsumed(ctx context.Context, key string, at time.Time) (*storage.PersistedGrant, error) {
	s.mu.Lock()
	s.MarkConsumedCalls++
	err := s.MarkConsumedErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.inner.MarkConsumed(ctx, key, at)
}

func (s *GrantStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	s.RemoveCalls++
	err := s.RemoveErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.Remove(ctx, key)
}

func (s *GrantStore) RemoveAll(ctx context.Context, filter storage.PersistedGrantFilter) error {
	s.mu.Lock()
	s.RemoveAllCalls++
	err := s.RemoveAllErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.inner.RemoveAll(ctx, filter)
}
