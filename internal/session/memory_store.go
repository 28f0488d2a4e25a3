package session

import (
	"context"
	"sync"
	"time"

	"github.com/attnlabs/pacebreak/internal/idgen"
	"github.com/attnlabs/pacebreak/internal/syncutil"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
// StartOrReopen holds a per-(user, device) mutex for the whole
// find-or-create step, mirroring the uniqueness guarantee the Postgres
// store gets from its partial unique index.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[string]*Device  // by user|identifier
	sessions map[string]*Session // by session ID
	active   map[string]string   // user|deviceID -> active session ID

	locks syncutil.KeyMutex
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]*Device),
		sessions: make(map[string]*Session),
		active:   make(map[string]string),
	}
}

func deviceKey(userID, identifier string) string { return userID + "|" + identifier }
func activeKey(userID, deviceID string) string   { return userID + "|" + deviceID }

func (s *MemoryStore) UpsertDevice(ctx context.Context, d *Device) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := deviceKey(d.UserID, d.DeviceIdentifier)
	if existing, ok := s.devices[key]; ok {
		existing.LastSeenAt = d.LastSeenAt
		existing.Platform = d.Platform
		existing.Active = true
		cp := *existing
		return &cp, nil
	}

	cp := *d
	cp.ID = idgen.WithPrefix(idgen.PrefixDevice)
	s.devices[key] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) StartOrReopen(ctx context.Context, userID, deviceID string, now time.Time) (*Session, bool, error) {
	unlock := s.locks.Lock(activeKey(userID, deviceID))
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[activeKey(userID, deviceID)]; ok {
		sess := s.sessions[id]
		sess.ReopenCount++
		cp := *sess
		return &cp, true, nil
	}

	sess := &Session{
		ID:        idgen.WithPrefix(idgen.PrefixSession),
		UserID:    userID,
		DeviceID:  deviceID,
		State:     StateActive,
		StartedAt: now,
	}
	s.sessions[sess.ID] = sess
	s.active[activeKey(userID, deviceID)] = sess.ID
	cp := *sess
	return &cp, false, nil
}

func (s *MemoryStore) GetActive(ctx context.Context, userID, deviceID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[activeKey(userID, deviceID)]
	if !ok {
		return nil, ErrNoActiveSession
	}
	cp := *s.sessions[id]
	return &cp, nil
}

func (s *MemoryStore) Get(ctx context.Context, userID, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) End(ctx context.Context, userID, deviceID string, endedAt time.Time) (*Session, error) {
	unlock := s.locks.Lock(activeKey(userID, deviceID))
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := activeKey(userID, deviceID)
	id, ok := s.active[key]
	if !ok {
		return nil, ErrNoActiveSession
	}

	sess := s.sessions[id]
	sess.State = StateEnded
	ended := endedAt
	sess.EndedAt = &ended
	sess.DurationSeconds = int(endedAt.Sub(sess.StartedAt).Seconds())
	delete(s.active, key)

	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) SetBackgroundedAt(ctx context.Context, sessionID string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if at != nil {
		t := *at
		sess.LastBackgroundAt = &t
	} else {
		sess.LastBackgroundAt = nil
	}
	return nil
}
