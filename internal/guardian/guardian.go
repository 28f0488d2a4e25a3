// Package guardian manages guardian links: a parent or guardian attached
// to a user's account who receives parent_alert interventions.
package guardian

import (
	"context"
	"errors"
	"time"
)

// ErrLinkNotFound is returned when no matching guardian link exists.
var ErrLinkNotFound = errors.New("guardian link not found")

// Link attaches a guardian contact to a user. A user may hold several
// links but alert resolution uses the most recent active one.
type Link struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists guardian links.
type Store interface {
	// Create inserts a new active link.
	Create(ctx context.Context, l *Link) error

	// GetActive returns the user's most recently created active link,
	// or ErrLinkNotFound.
	GetActive(ctx context.Context, userID string) (*Link, error)

	// ListByUser returns all of the user's links, newest first.
	ListByUser(ctx context.Context, userID string) ([]*Link, error)

	// Deactivate marks a link inactive, scoped to the owning user.
	// Returns ErrLinkNotFound if the link does not belong to the user.
	Deactivate(ctx context.Context, userID, linkID string) error
}

// Resolver answers "does this user have a reachable guardian?" for the
// intervention decision path.
type Resolver struct {
	store Store
}

// NewResolver creates a guardian resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// ActiveLink returns the user's active guardian link, or ErrLinkNotFound.
func (r *Resolver) ActiveLink(ctx context.Context, userID string) (*Link, error) {
	return r.store.GetActive(ctx, userID)
}

// HasActive reports whether the user has any active guardian link.
func (r *Resolver) HasActive(ctx context.Context, userID string) (bool, error) {
	_, err := r.store.GetActive(ctx, userID)
	if errors.Is(err, ErrLinkNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
