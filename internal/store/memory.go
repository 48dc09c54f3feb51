package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/lending-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	events  []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

func (s *MemoryStore) GetRecord(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	// Copy the value to avoid external mutation.
	r.Value = append([]byte(nil), r.Value...)
	return &r, nil
}

func (s *MemoryStore) Commit(_ context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range batch.Puts {
		r.Value = append([]byte(nil), r.Value...)
		s.records[r.Key] = r
	}
	for _, key := range batch.Deletes {
		delete(s.records, key)
	}
	s.events = append(s.events, batch.Events...)
	return nil
}

func (s *MemoryStore) EventsByAccount(_ context.Context, account model.Address) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.Account == account || e.Counterparty == account {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) EventsByPool(_ context.Context, pool model.Address) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.Pool == pool {
			result = append(result, e)
		}
	}
	return result, nil
}

// Len returns the number of live records. Used by tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
