// Package cache is the keyed, invalidatable in-memory store for mirrored
// collections. It exclusively owns every cached slice: readers get copies,
// writers go through Set/Update, and freshness is maintained only by
// explicit invalidation plus the subscription heartbeat. There is no TTL.
package cache

import "sync"

// Store holds collections keyed by explicit composite keys. Each slot is
// guarded by the store mutex; concurrent readers and the single writer per
// key serialize here.
type Store[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K][]V
}

// New creates an empty store.
func New[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{entries: make(map[K][]V)}
}

// Get returns a copy of the cached collection for key, or a miss.
func (s *Store[K, V]) Get(key K) ([]V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	out := make([]V, len(values))
	copy(out, values)
	return out, true
}

// Set replaces the collection for key with a copy of values.
func (s *Store[K, V]) Set(key K, values []V) {
	stored := make([]V, len(values))
	copy(stored, values)

	s.mu.Lock()
	s.entries[key] = stored
	s.mu.Unlock()
}

// Update applies fn to the cached collection for key and stores the result.
// It is a no-op on a miss: patches only ever touch slots that were filled by
// a full fetch or snapshot, never conjure partial state.
func (s *Store[K, V]) Update(key K, fn func([]V) []V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, ok := s.entries[key]
	if !ok {
		return false
	}
	working := make([]V, len(values))
	copy(working, values)
	s.entries[key] = fn(working)
	return true
}

// UpdateMatching applies fn to every cached collection whose key matches.
func (s *Store[K, V]) UpdateMatching(match func(K) bool, fn func([]V) []V) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := 0
	for key, values := range s.entries {
		if !match(key) {
			continue
		}
		working := make([]V, len(values))
		copy(working, values)
		s.entries[key] = fn(working)
		touched++
	}
	return touched
}

// Invalidate drops the exact key.
func (s *Store[K, V]) Invalidate(key K) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// InvalidateMatching drops every key the predicate matches.
func (s *Store[K, V]) InvalidateMatching(match func(K) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key := range s.entries {
		if match(key) {
			delete(s.entries, key)
			dropped++
		}
	}
	return dropped
}

// Flush drops everything. Only explicit callers use this; event handling
// never blanket-flushes.
func (s *Store[K, V]) Flush() {
	s.mu.Lock()
	s.entries = make(map[K][]V)
	s.mu.Unlock()
}

// Len reports the number of cached keys.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
