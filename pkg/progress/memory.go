package progress

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	rec       *Record
	expiresAt time.Time
}

// MemoryStore keeps records in process memory. Records are cloned on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !item.expiresAt.IsZero() && s.now().After(item.expiresAt) {
		delete(s.items, key)
		return nil, ErrNotFound
	}
	return item.rec.Clone(), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, rec *Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := memoryItem{rec: rec.Clone()}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			delete(s.items, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
