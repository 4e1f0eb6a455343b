package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	timer     *time.Timer
	gen       uint64
}

// InMemoryStateStore is a thread-safe, process-local StateStore. Each write
// schedules its own deletion, and reads double-check the deadline so an entry
// is never served past its TTL even if the timer has not fired yet.
//
// A single RWMutex guards the map. Critical sections are a map access and a
// timer swap, and the store holds one entry per polled user.
type InMemoryStateStore struct {
	mu     sync.RWMutex
	data   map[string]*memoryEntry
	gen    uint64
	closed bool
	now    func() time.Time
}

// InMemoryOption configures an InMemoryStateStore.
type InMemoryOption func(*InMemoryStateStore)

// WithClock replaces the clock used for deadline checks.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStateStore) {
		s.now = now
	}
}

// NewInMemoryStateStore creates an empty in-memory state store.
func NewInMemoryStateStore(opts ...InMemoryOption) *InMemoryStateStore {
	s := &InMemoryStateStore{
		data: make(map[string]*memoryEntry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the value stored for key.
func (s *InMemoryStateStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || s.expired(e) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// SetWithTTL stores value and schedules its removal after ttl. A non-positive
// ttl keeps the entry until it is overwritten or deleted.
func (s *InMemoryStateStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("in-memory state store is closed")
	}
	if old, ok := s.data[key]; ok && old.timer != nil {
		old.timer.Stop()
	}

	s.gen++
	e := &memoryEntry{value: append([]byte(nil), value...), gen: s.gen}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
		gen := s.gen
		e.timer = time.AfterFunc(ttl, func() { s.expire(key, gen) })
	}
	s.data[key] = e
	return nil
}

// expire deletes key only if it still holds the write that scheduled it.
func (s *InMemoryStateStore) expire(key string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[key]; ok && e.gen == gen {
		delete(s.data, key)
	}
}

// Keys returns the live keys starting with prefix, sorted.
func (s *InMemoryStateStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) && !s.expired(e) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key.
func (s *InMemoryStateStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.data, key)
	}
	return nil
}

// Close stops all pending expiry timers and drops every entry.
func (s *InMemoryStateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.data {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.data, k)
	}
	s.closed = true
	return nil
}

// expired must be called with s.mu held.
func (s *InMemoryStateStore) expired(e *memoryEntry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}
