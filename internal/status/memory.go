package status

import (
	"context"
	"fmt"
	"sync"

	"github.com/utafrali/riverbulk/internal/domain"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[string]domain.Status
}

// NewMemoryStore creates an empty in-memory status store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: make(map[string]domain.Status)}
}

// Set records the status of the named river.
func (s *MemoryStore) Set(_ context.Context, river string, st domain.Status) error {
	if !st.IsValid() {
		return fmt.Errorf("set status %q: %w", st, ErrInvalidStatus)
	}
	s.mu.Lock()
	s.statuses[river] = st
	s.mu.Unlock()
	return nil
}

// Get returns the status of the named river.
func (s *MemoryStore) Get(_ context.Context, river string) (domain.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statuses[river]; ok {
		return st, nil
	}
	return domain.StatusUnknown, nil
}
