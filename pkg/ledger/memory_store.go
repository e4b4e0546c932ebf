package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a Store for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := uint64(len(s.entries)) + 1
	if e.Sequence != want {
		return fmt.Errorf("ledger sequence %d rejected: next is %d", e.Sequence, want)
	}
	s.entries = append(s.entries, e.clone())
	return nil
}

func (s *MemoryStore) Range(_ context.Context, from, to uint64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.Sequence < from || (to > 0 && e.Sequence > to) {
			continue
		}
		out = append(out, e.clone())
	}
	return out, nil
}

func (s *MemoryStore) Last(_ context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	return s.entries[len(s.entries)-1].clone(), nil
}

func (s *MemoryStore) ByRun(_ context.Context, runID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.RunID == runID {
			out = append(out, e.clone())
		}
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
