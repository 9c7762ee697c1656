package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store used by unit tests for the cache manager,
// permission checker, and loggers — components that only need Store's
// contract (atomic read, optimistic update with version-conflict retries),
// not a real Postgres instance. PostgresStore is exercised separately by the
// blobstore integration tests in postgres_test.go.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]memEntry

	// Conflicts, if non-nil, is consulted by OptimisticUpdate: for each
	// attempt (including retries) it pops one bool off the front: true forces
	// a simulated version conflict for that attempt (to exercise retry logic),
	// so its write is discarded and the attempt is retried.
	Conflicts []bool
}

type memEntry struct {
	value   json.RawMessage
	version int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]memEntry)}
}

// Read implements Store.
func (m *MemStore) Read(_ context.Context, path string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	if !ok {
		return nil, false, nil
	}
	return e.value, true, nil
}

// OptimisticUpdate implements Store.
func (m *MemStore) OptimisticUpdate(_ context.Context, path string, transform Transform) (json.RawMessage, error) {
	const maxRetries = 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		m.mu.Lock()
		e, exists := m.entries[path]
		forceConflict := false
		if len(m.Conflicts) > 0 {
			forceConflict = m.Conflicts[0]
			m.Conflicts = m.Conflicts[1:]
		}
		m.mu.Unlock()

		var current json.RawMessage
		if exists {
			current = e.value
		}

		next, err := transform(current, exists)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		latest, stillExists := m.entries[path]
		conflicted := forceConflict || (exists != stillExists) || (exists && stillExists && latest.version != e.version)
		if !conflicted {
			m.entries[path] = memEntry{value: next, version: e.version + 1}
			m.mu.Unlock()
			return next, nil
		}
		m.mu.Unlock()
	}
	return nil, fmt.Errorf("%w: path=%s", ErrStorageContention, path)
}

// Seed directly installs a value for path, bypassing OptimisticUpdate. Tests
// use this to set up pre-existing state.
func (m *MemStore) Seed(path string, value json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[path] = memEntry{value: value, version: 1}
}

// ReadCount and call tracking support the single-flight test in
// internal/cache: CountingStore wraps a MemStore and counts Read calls.
type CountingStore struct {
	*MemStore
	mu    sync.Mutex
	reads int
}

// NewCountingStore wraps store, counting Read invocations.
func NewCountingStore(store *MemStore) *CountingStore {
	return &CountingStore{MemStore: store}
}

// Read implements Store, incrementing the read counter.
func (c *CountingStore) Read(ctx context.Context, path string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.MemStore.Read(ctx, path)
}

// ReadCount returns the number of Read calls observed so far.
func (c *CountingStore) ReadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}
