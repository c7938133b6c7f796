package kvstore

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"
)

type memItem struct {
	v       []byte
	expires time.Time
}

func (it memItem) expired(now time.Time) bool {
	return !it.expires.IsZero() && !now.Before(it.expires)
}

// MemoryStore is a process-local Store for single-instance deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memItem{}, now: time.Now}
}

// WithClock replaces the time source used for expiry.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key)
	if !ok {
		return nil, false, nil
	}
	return clone(it.v), true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	s.items[key] = s.item(value, ttl)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.live(key)
	if !ok {
		s.items[key] = s.item([]byte("1"), ttl)
		return 1, nil
	}
	n, err := strconv.ParseInt(string(it.v), 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	it.v = []byte(strconv.FormatInt(n, 10))
	s.items[key] = it
	return n, nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.items[key] = s.item(value, ttl)
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.live(key)
	if !ok || !bytes.Equal(it.v, value) {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// live returns the item at key, evicting it when expired. Callers hold mu.
func (s *MemoryStore) live(key string) (memItem, bool) {
	it, ok := s.items[key]
	if !ok {
		return memItem{}, false
	}
	if it.expired(s.now()) {
		delete(s.items, key)
		return memItem{}, false
	}
	return it, true
}

func (s *MemoryStore) item(value []byte, ttl time.Duration) memItem {
	it := memItem{v: clone(value)}
	if ttl > 0 {
		it.expires = s.now().Add(ttl)
	}
	return it
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
