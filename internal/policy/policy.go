// Package policy defines per-user behavioral thresholds and their resolution.
//
// A policy is a read-only input to risk scoring and escalation. Resolution
// is "most specific wins": a user's own policy row if present, otherwise
// the system default seeded from configuration.
package policy

import (
	"context"
	"errors"
	"time"
)

// ErrPolicyNotFound is returned when neither a user policy nor a default exists.
var ErrPolicyNotFound = errors.New("policy not found")

// DefaultUserID is the store key for the system default policy.
const DefaultUserID = ""

// Policy holds the behavioral thresholds for one user.
type Policy struct {
	UserID                 string    `json:"userId,omitempty"` // empty for the system default
	SessionLimitMinutes    int       `json:"sessionLimitMinutes"`
	ReopenThreshold        int       `json:"reopenThreshold"` // reopens per rolling hour
	ScrollVelocityLimit    float64   `json:"scrollVelocityLimit"`
	BedtimeStart           string    `json:"bedtimeStart"` // "HH:MM" user-local
	BedtimeEnd             string    `json:"bedtimeEnd"`
	Timezone               string    `json:"timezone"` // IANA name
	EscalationEnabled      bool      `json:"escalationEnabled"`
	EscalationDelayMinutes int       `json:"escalationDelayMinutes"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// Location resolves the policy timezone, falling back to UTC.
func (p *Policy) Location() *time.Location {
	if loc, err := time.LoadLocation(p.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

// BedtimeWindow returns the bedtime window boundaries as minutes past
// midnight. A window may wrap midnight (start > end).
func (p *Policy) BedtimeWindow() (startMin, endMin int, ok bool) {
	start, err1 := time.Parse("15:04", p.BedtimeStart)
	end, err2 := time.Parse("15:04", p.BedtimeEnd)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return start.Hour()*60 + start.Minute(), end.Hour()*60 + end.Minute(), true
}

// Store persists policies.
type Store interface {
	// Get returns the policy for the given user ID, or ErrPolicyNotFound.
	// Use DefaultUserID for the system default.
	Get(ctx context.Context, userID string) (*Policy, error)
	// Put creates or replaces a policy row.
	Put(ctx context.Context, p *Policy) error
}

// Resolver resolves the effective policy for a user.
type Resolver struct {
	store Store
}

// NewResolver creates a policy resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// ForUser returns the most specific policy for the user: their own row if
// one exists, else the system default.
func (r *Resolver) ForUser(ctx context.Context, userID string) (*Policy, error) {
	if p, err := r.store.Get(ctx, userID); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrPolicyNotFound) {
		return nil, err
	}
	return r.store.Get(ctx, DefaultUserID)
}

// Put stores a policy for the user.
func (r *Resolver) Put(ctx context.Context, p *Policy) error {
	p.UpdatedAt = time.Now()
	return r.store.Put(ctx, p)
}

// SeedDefault writes the system default policy if none exists yet.
func (r *Resolver) SeedDefault(ctx context.Context, def *Policy) error {
	if _, err := r.store.Get(ctx, DefaultUserID); err == nil {
		return nil
	} else if !errors.Is(err, ErrPolicyNotFound) {
		return err
	}
	def.UserID = DefaultUserID
	def.UpdatedAt = time.Now()
	return r.store.Put(ctx, def)
}
