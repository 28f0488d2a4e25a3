package event

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]*Event // by user ID, insertion order
	byID   map[string]*Event
}

// NewMemoryStore creates an in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]*Event),
		byID:   make(map[string]*Event),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	s.events[e.UserID] = append(s.events[e.UserID], &cp)
	s.byID[e.ID] = &cp
	return nil
}

func (s *MemoryStore) ListSince(ctx context.Context, userID string, since time.Time, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for _, e := range s.events[userID] {
		if e.OccurredAt.Before(since) {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPage(ctx context.Context, userID string, beforeAt time.Time, beforeID string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for _, e := range s.events[userID] {
		if !beforeAt.IsZero() {
			// Keyset comparison on (occurred_at, id) descending.
			if e.OccurredAt.After(beforeAt) {
				continue
			}
			if e.OccurredAt.Equal(beforeAt) && e.ID >= beforeID {
				continue
			}
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].OccurredAt.After(result[j].OccurredAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) CountTypesSince(ctx context.Context, userID string, types []Type, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[Type]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	count := 0
	for _, e := range s.events[userID] {
		if !e.OccurredAt.Before(since) && wanted[e.Type] {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MaxScrollVelocitySince(ctx context.Context, userID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max float64
	for _, e := range s.events[userID] {
		if e.Type != TypeScroll || e.OccurredAt.Before(since) {
			continue
		}
		if v, ok := e.ScrollVelocity(); ok && v > max {
			max = v
		}
	}
	return max, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if e, ok := s.byID[id]; ok {
			e.Processed = true
		}
	}
	return nil
}
