// Package statemachine holds the key-value data store derived from the
// replicated log. The map is mutated only by applying committed log entries in
// index order; client requests never touch it directly.
package statemachine

import (
	"log"
	"sync"
)

// KVStore is the replicated key-value state machine. Apply is called only from
// the consensus loop, but reads may come from other goroutines (the inspection
// API), so access is guarded.
type KVStore struct {
	mu   sync.RWMutex
	data map[string]string
	// Highest log index folded into the store. Re-applying an entry at or
	// below this index is a no-op, which keeps application idempotent under
	// message re-delivery.
	lastApplied uint64
	id          string
}

// New creates an empty state machine. The id is used only for logging.
func New(id string) *KVStore {
	return &KVStore{
		data: make(map[string]string),
		id:   id,
	}
}

// Apply folds the write at the given log index into the store. Entries must be
// applied in index order; stale indices are skipped.
func (s *KVStore) Apply(index uint64, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index <= s.lastApplied {
		return
	}
	s.lastApplied = index
	s.data[key] = value
	log.Printf("[KV-%s] Applied put %s=%s (index=%d)", s.id, key, value, index)
}

// Get returns the stored value for key. The second return value distinguishes
// a missing key from a stored empty value.
func (s *KVStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// LastApplied returns the highest applied log index.
func (s *KVStore) LastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

// Len returns the number of stored keys.
func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
