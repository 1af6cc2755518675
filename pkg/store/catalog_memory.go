package store

import (
	"context"
	"math/rand/v2"
	"sync"

	"mediagate/pkg/domain"
)

// MemoryCatalogStore keeps the catalog in memory. The index is a dense slice
// plus a position map so random picks and removals stay O(1).
type MemoryCatalogStore struct {
	mu      sync.Mutex
	entries map[string]domain.CatalogEntry
	keys    []string
	pos     map[string]int
}

// NewMemoryCatalogStore builds an empty in-memory catalog.
func NewMemoryCatalogStore() *MemoryCatalogStore {
	return &MemoryCatalogStore{
		entries: make(map[string]domain.CatalogEntry),
		pos:     make(map[string]int),
	}
}

func (s *MemoryCatalogStore) PutEntry(_ context.Context, entry domain.CatalogEntry) error {
	s.mu.Lock()
	s.entries[entry.Key] = entry
	if _, ok := s.pos[entry.Key]; !ok {
		s.pos[entry.Key] = len(s.keys)
		s.keys = append(s.keys, entry.Key)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryCatalogStore) GetEntry(_ context.Context, key string) (domain.CatalogEntry, bool, error) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	s.mu.Unlock()
	return entry, ok, nil
}

func (s *MemoryCatalogStore) DeleteEntry(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.dropLocked(key)
	return ok, nil
}

func (s *MemoryCatalogStore) RandomKey(_ context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) == 0 {
		return "", false, nil
	}
	return s.keys[rand.IntN(len(s.keys))], true, nil
}

func (s *MemoryCatalogStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	n := len(s.keys)
	s.mu.Unlock()
	return int64(n), nil
}

func (s *MemoryCatalogStore) DropIndexKey(_ context.Context, key string) error {
	s.mu.Lock()
	s.dropLocked(key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryCatalogStore) dropLocked(key string) {
	i, ok := s.pos[key]
	if !ok {
		return
	}
	last := len(s.keys) - 1
	s.keys[i] = s.keys[last]
	s.pos[s.keys[i]] = i
	s.keys = s.keys[:last]
	delete(s.pos, key)
}
