package checkpoint

import (
	"context"
	"sync"
)

// InMemoryStore is a thread-safe, process-local checkpoint store. Useful for
// tests and for runs where resume across restarts is not needed.
type InMemoryStore struct {
	mu      sync.RWMutex
	cursors map[string]string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{cursors: make(map[string]string)}
}

// Load returns the stored cursor, or "" when absent.
func (s *InMemoryStore) Load(_ context.Context, runKey string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[runKey], nil
}

// Save stores the cursor.
func (s *InMemoryStore) Save(_ context.Context, runKey string, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[runKey] = cursor
	return nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
