package chatsync

import "sync"

// MemoryLocalStore is a goroutine-safe in-memory LocalStore. Entries do not
// survive the process; use SQLiteLocalStore for a durable cache.
type MemoryLocalStore struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryLocalStore creates an empty in-memory store.
func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{items: make(map[string]string)}
}

var _ LocalStore = (*MemoryLocalStore)(nil)

func (s *MemoryLocalStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *MemoryLocalStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *MemoryLocalStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryLocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
