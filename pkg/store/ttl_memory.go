package store

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value   []byte
	expires time.Time
}

// MemoryTTLStore keeps records in memory (single instance only). Expired
// records are dropped lazily on access.
type MemoryTTLStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

// MemoryOption customizes in-memory stores.
type MemoryOption func(*MemoryTTLStore)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryTTLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryTTLStore builds an empty in-memory TTL store.
func NewMemoryTTLStore(opts ...MemoryOption) *MemoryTTLStore {
	s := &MemoryTTLStore{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryTTLStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	s.items[key] = s.newItem(value, ttl)
	s.mu.Unlock()
	return nil
}

func (s *MemoryTTLStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveLocked(key); ok {
		return false, nil
	}
	s.items[key] = s.newItem(value, ttl)
	return true, nil
}

func (s *MemoryTTLStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	_, ok := s.liveLocked(key)
	s.mu.Unlock()
	return ok, nil
}

func (s *MemoryTTLStore) GetDel(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.liveLocked(key)
	if !ok {
		return nil, false, nil
	}
	delete(s.items, key)
	return item.value, true, nil
}

func (s *MemoryTTLStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.liveLocked(key)
	if !ok {
		return 0, false, nil
	}
	if item.expires.IsZero() {
		return 0, true, nil
	}
	return item.expires.Sub(s.now()), true, nil
}

func (s *MemoryTTLStore) newItem(value []byte, ttl time.Duration) memoryItem {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expires = s.now().Add(ttl)
	}
	return item
}

func (s *MemoryTTLStore) liveLocked(key string) (memoryItem, bool) {
	item, ok := s.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expires.IsZero() && !s.now().Before(item.expires) {
		delete(s.items, key)
		return memoryItem{}, false
	}
	return item, true
}
