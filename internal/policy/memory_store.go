package policy

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy // by user ID; "" is the system default
}

// NewMemoryStore creates an in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*Policy)}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[userID]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.policies[p.UserID] = &cp
	return nil
}
