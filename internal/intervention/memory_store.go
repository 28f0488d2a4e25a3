package intervention

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryTemplateStore is an in-memory TemplateStore for demo/test use.
type MemoryTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewMemoryTemplateStore creates an in-memory template store.
func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{templates: make(map[string]*Template)}
}

func (s *MemoryTemplateStore) Put(ctx context.Context, t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

func (s *MemoryTemplateStore) Get(ctx context.Context, id string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryTemplateStore) List(ctx context.Context) ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Priority > result[j].Priority })
	return result, nil
}

func (s *MemoryTemplateStore) ListActiveByTypes(ctx context.Context, types []Type) ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[Type]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	var result []*Template
	for _, t := range s.templates {
		if t.Active && wanted[t.Type] {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Priority > result[j].Priority })
	return result, nil
}

// MemoryStore is an in-memory intervention Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Intervention
	byUser map[string][]*Intervention // insertion order
}

// NewMemoryStore creates an in-memory intervention store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Intervention),
		byUser: make(map[string][]*Intervention),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, iv *Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyIntervention(iv)
	s.byID[iv.ID] = cp
	s.byUser[iv.UserID] = append(s.byUser[iv.UserID], cp)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID, id string) (*Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iv, ok := s.byID[id]
	if !ok || iv.UserID != userID {
		return nil, ErrInterventionNotFound
	}
	return copyIntervention(iv), nil
}

func (s *MemoryStore) ListOpenByUser(ctx context.Context, userID string) ([]*Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byUser[userID]
	var result []*Intervention
	for i := len(all) - 1; i >= 0; i-- {
		if st := all[i].Status; st == StatusPending || st == StatusDelivered {
			result = append(result, copyIntervention(all[i]))
		}
	}
	return result, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byUser[userID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	result := make([]*Intervention, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, copyIntervention(all[i]))
	}
	return result, nil
}

func (s *MemoryStore) CountDismissedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, iv := range s.byUser[userID] {
		if iv.Status == StatusDismissed && iv.DismissedAt != nil && !iv.DismissedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Update(ctx context.Context, iv *Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[iv.ID]
	if !ok || stored.UserID != iv.UserID {
		return ErrInterventionNotFound
	}
	*stored = *copyIntervention(iv)
	return nil
}

func copyIntervention(iv *Intervention) *Intervention {
	cp := *iv
	if iv.Response != nil {
		cp.Response = make(map[string]any, len(iv.Response))
		for k, v := range iv.Response {
			cp.Response[k] = v
		}
	}
	return &cp
}

// MemoryFeedbackStore is an in-memory FeedbackStore for demo/test use.
type MemoryFeedbackStore struct {
	mu      sync.RWMutex
	records map[string][]*Feedback // by user, insertion order
}

// NewMemoryFeedbackStore creates an in-memory feedback store.
func NewMemoryFeedbackStore() *MemoryFeedbackStore {
	return &MemoryFeedbackStore{records: make(map[string][]*Feedback)}
}

func (s *MemoryFeedbackStore) Insert(ctx context.Context, f *Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *f
	s.records[f.UserID] = append(s.records[f.UserID], &cp)
	return nil
}

func (s *MemoryFeedbackStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[userID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	result := make([]*Feedback, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}
