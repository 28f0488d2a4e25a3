package guardian

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu    sync.RWMutex
	links map[string][]*Link // by user, insertion order
}

// NewMemoryStore creates an in-memory guardian link store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: make(map[string][]*Link)}
}

func (s *MemoryStore) Create(ctx context.Context, l *Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	s.links[l.UserID] = append(s.links[l.UserID], &cp)
	return nil
}

func (s *MemoryStore) GetActive(ctx context.Context, userID string) (*Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.links[userID]
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Active {
			cp := *all[i]
			return &cp, nil
		}
	}
	return nil, ErrLinkNotFound
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.links[userID]
	result := make([]*Link, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, userID, linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.links[userID] {
		if l.ID == linkID {
			l.Active = false
			return nil
		}
	}
	return ErrLinkNotFound
}
