package journal

import (
	"context"
	"sync"
)

// MemoryStore keeps the newest entries in memory. It is the fallback when no
// database is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryStore{max: max}
}

func (s *MemoryStore) Insert(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	if over := len(s.entries) - s.max; over > 0 {
		s.entries = append([]Entry(nil), s.entries[over:]...)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
