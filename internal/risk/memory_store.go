package risk

import (
	"context"
	"sync"
)

// MemoryStateStore is an in-memory StateStore for demo/test use.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemoryStateStore creates an in-memory risk state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*State)}
}

func (s *MemoryStateStore) Get(ctx context.Context, userID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[userID]
	if !ok {
		return nil, ErrStateNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStateStore) Upsert(ctx context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	s.states[st.UserID] = &cp
	return nil
}

// MemoryHistoryStore is an in-memory HistoryStore for demo/test use.
type MemoryHistoryStore struct {
	mu      sync.RWMutex
	entries map[string][]*HistoryEntry // by user, append order
}

// NewMemoryHistoryStore creates an in-memory risk history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{entries: make(map[string][]*HistoryEntry)}
}

func (s *MemoryHistoryStore) Append(ctx context.Context, entry *HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.entries[entry.UserID] = append(s.entries[entry.UserID], &cp)
	return nil
}

func (s *MemoryHistoryStore) ListRecent(ctx context.Context, userID string, limit int) ([]*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[userID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}

	// Newest first.
	result := make([]*HistoryEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}
