// Package cache provides the keyed query-cache structure projections
// write into. The store holds whatever the data-fetching layer cached —
// entity lists or single slots — addressed by hierarchical keys.
package cache

import (
	"strings"
	"sync"
)

// Key addresses one cache entry, e.g. {"tasks", "list"} or
// {"session", "s1"}.
type Key []string

func (k Key) String() string {
	return strings.Join(k, "/")
}

// Store is the write surface this layer is granted on the host's cache.
// Implementations must make Set visible to an immediately following Get.
type Store interface {
	Get(key Key) (interface{}, bool)
	Set(key Key, value interface{})
	Delete(key Key)
}

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]interface{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]interface{})}
}

func (s *MemoryStore) Get(key Key) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key.String()]
	return v, ok
}

func (s *MemoryStore) Set(key Key, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key.String()] = value
}

func (s *MemoryStore) Delete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key.String())
}

// Len reports the number of cached entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
