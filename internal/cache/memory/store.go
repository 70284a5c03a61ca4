// Package memory provides an in-process cache store for development and tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/story-pipeline/internal/cache"
	"github.com/JakeFAU/story-pipeline/internal/clock/system"
	"github.com/JakeFAU/story-pipeline/internal/pipeline"
)

type entry struct {
	value   []byte
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Store keeps entries in a map guarded by a mutex. Expired keys are dropped lazily.
type Store struct {
	mu    sync.Mutex
	items map[string]entry
	clock pipeline.Clock
}

// New creates a Store. A nil clock uses the system clock.
func New(clock pipeline.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{
		items: make(map[string]entry),
		clock: clock,
	}
}

func (s *Store) lookup(key string) (entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.clock.Now()) {
		delete(s.items, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) put(key string, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = s.clock.Now().Add(ttl)
	}
	s.items[key] = e
}

// Exists reports whether key is present.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup(key)
	return ok, nil
}

// MarkProcessed stores a marker for key.
func (s *Store) MarkProcessed(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, []byte("1"), ttl)
	return nil
}

// GetCached returns a copy of the value or cache.ErrMiss.
func (s *Store) GetCached(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return nil, cache.ErrMiss
	}
	return append([]byte(nil), e.value...), nil
}

// SetCached stores value under key.
func (s *Store) SetCached(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

// Claim stores key only if absent.
func (s *Store) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.put(key, []byte("1"), ttl)
	return true, nil
}

// FlushPattern removes keys containing pattern.
func (s *Store) FlushPattern(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.items {
		if strings.Contains(key, pattern) {
			delete(s.items, key)
			removed++
		}
	}
	return removed, nil
}

// FlushAll removes every key.
func (s *Store) FlushAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]entry)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
