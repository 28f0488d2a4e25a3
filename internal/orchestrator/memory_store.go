package orchestrator

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory agent state store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*AgentState
}

// NewMemoryStore creates an in-memory agent state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*AgentState)}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[userID]
	if !ok {
		return nil, nil
	}
	cp := *st
	if st.StateData != nil {
		cp.StateData = make(map[string]any, len(st.StateData))
		for k, v := range st.StateData {
			cp.StateData[k] = v
		}
	}
	return &cp, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, st *AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	s.states[st.UserID] = &cp
	return nil
}
