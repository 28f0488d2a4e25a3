// Package auth provides user accounts and API-key authentication.
//
// Authentication model:
// - A user is created once (typically by the mobile app on first launch)
//   and receives an API key, shown exactly once.
// - Every gateway and read endpoint authenticates via that key; the key
//   resolves to a user ID, which scopes all pipeline data.
// - Keys can be rotated; old keys are revoked, never deleted.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/attnlabs/pacebreak/internal/idgen"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or revoked API key")
	ErrUserNotFound  = errors.New("user not found")
	ErrKeyNotFound   = errors.New("API key not found")
)

// User is an account in the wellbeing system.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Timezone    string    `json:"timezone,omitempty"` // IANA name; overrides the policy default
	CreatedAt   time.Time `json:"createdAt"`
}

// APIKey represents a stored API key. The raw key is never persisted.
type APIKey struct {
	ID        string    `json:"id"`
	Hash      string    `json:"-"` // SHA-256 of the raw key
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed,omitempty"`
	Revoked   bool      `json:"revoked"`
}

// Store persists users and their API keys.
type Store interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	CreateKey(ctx context.Context, key *APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	ListKeysByUser(ctx context.Context, userID string) ([]*APIKey, error)
	UpdateKey(ctx context.Context, key *APIKey) error
}

// Manager handles account creation and key validation.
type Manager struct {
	store Store
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Register creates a user and issues their first API key.
// Returns the raw key, which is shown once and never stored.
func (m *Manager) Register(ctx context.Context, displayName, timezone string) (*User, string, error) {
	u := &User{
		ID:          idgen.WithPrefix(idgen.PrefixUser),
		DisplayName: displayName,
		Timezone:    timezone,
		CreatedAt:   time.Now(),
	}
	if err := m.store.CreateUser(ctx, u); err != nil {
		return nil, "", err
	}

	rawKey, err := m.issueKey(ctx, u.ID)
	if err != nil {
		return nil, "", err
	}
	return u, rawKey, nil
}

// RotateKey revokes all of a user's keys and issues a fresh one.
func (m *Manager) RotateKey(ctx context.Context, userID string) (string, error) {
	keys, err := m.store.ListKeysByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		if !k.Revoked {
			k.Revoked = true
			if err := m.store.UpdateKey(ctx, k); err != nil {
				return "", err
			}
		}
	}
	return m.issueKey(ctx, userID)
}

func (m *Manager) issueKey(ctx context.Context, userID string) (string, error) {
	rawKey := idgen.PrefixAPIKey + idgen.Hex(32)
	key := &APIKey{
		ID:        "ak_" + idgen.Hex(8),
		Hash:      hashKey(rawKey),
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateKey(ctx, key); err != nil {
		return "", err
	}
	return rawKey, nil
}

// ValidateKey validates a raw API key and returns its metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, idgen.PrefixAPIKey) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetKeyByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		_ = m.store.UpdateKey(context.Background(), key)
	}()

	return key, nil
}

// GetUser fetches a user by ID.
func (m *Manager) GetUser(ctx context.Context, id string) (*User, error) {
	return m.store.GetUser(ctx, id)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
	keys  map[string]*APIKey // by key ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*User),
		keys:  make(map[string]*APIKey),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) CreateKey(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ListKeysByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateKey(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return ErrKeyNotFound
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}
