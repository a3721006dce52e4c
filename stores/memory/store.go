package memory

import (
	"codecollab-server/core"
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	fields    map[string][]byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// memStore is the default in-memory backend. TTLs are enforced lazily on
// access, which is enough for a single-process deployment and for tests.
type memStore struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewStore creates a new in-memory store.
func NewStore() *memStore {
	return &memStore{entries: make(map[string]*entry)}
}

// live returns the entry for key, removing it first if it has expired.
func (s *memStore) live(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(time.Now()) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.value == nil {
		return nil, core.ErrNotFound
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, nil
}

func (s *memStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &entry{}
		s.entries[key] = e
	}
	e.value = make([]byte, len(value))
	copy(e.value, value)
	e.expiresAt = expiry(ttl)
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *memStore) SetField(ctx context.Context, key, field string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &entry{}
		s.entries[key] = e
	}
	if e.fields == nil {
		e.fields = make(map[string][]byte)
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	e.fields[field] = buf
	e.expiresAt = expiry(ttl)
	return nil
}

func (s *memStore) Fields(ctx context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := make(map[string][]byte)
	e := s.live(key)
	if e == nil {
		return fields, nil
	}
	for name, value := range e.fields {
		buf := make([]byte, len(value))
		copy(buf, value)
		fields[name] = buf
	}
	return fields, nil
}

func (s *memStore) DeleteField(ctx context.Context, key, field string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	delete(e.fields, field)
	remaining := len(e.fields)
	if remaining == 0 && e.value == nil {
		delete(s.entries, key)
	}
	return remaining, nil
}

func (s *memStore) Close() error {
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
