// Package event defines immutable behavioral events and their storage.
//
// Events are write-once facts: inserted by the gateway, read by the risk
// engine over a rolling window, and never mutated except for the
// processed flag stamped after downstream evaluation runs.
package event

import (
	"context"
	"errors"
	"time"
)

// ErrEventNotFound is returned when an event ID does not exist.
var ErrEventNotFound = errors.New("event not found")

// Type enumerates recognized behavioral event types.
type Type string

const (
	TypeAppOpen      Type = "app_open"
	TypeAppClose     Type = "app_close"
	TypeScreenView   Type = "screen_view"
	TypeScroll       Type = "scroll"
	TypeTap          Type = "tap"
	TypeReopen       Type = "reopen"
	TypeBackground   Type = "background"
	TypeForeground   Type = "foreground"
	TypeSessionStart Type = "session_start"
	TypeSessionEnd   Type = "session_end"
)

// All lists every recognized event type, for validation.
func All() []Type {
	return []Type{
		TypeAppOpen, TypeAppClose, TypeScreenView, TypeScroll, TypeTap,
		TypeReopen, TypeBackground, TypeForeground, TypeSessionStart, TypeSessionEnd,
	}
}

// Valid reports whether t is a recognized event type.
func Valid(t Type) bool {
	for _, known := range All() {
		if t == known {
			return true
		}
	}
	return false
}

// IsOpen reports whether t starts or resumes a session.
func (t Type) IsOpen() bool {
	return t == TypeAppOpen || t == TypeSessionStart
}

// IsClose reports whether t ends a session.
func (t Type) IsClose() bool {
	return t == TypeAppClose || t == TypeSessionEnd
}

// Event is an immutable behavioral fact.
type Event struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	DeviceID   string         `json:"deviceId"`
	SessionID  string         `json:"sessionId,omitempty"` // nullable
	Type       Type           `json:"eventType"`
	ScreenName string         `json:"screenName,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"` // e.g. {"velocity": 3000}
	OccurredAt time.Time      `json:"occurredAt"`
	Processed  bool           `json:"processed"`
}

// ScrollVelocity extracts the scroll velocity from the payload, if present.
func (e *Event) ScrollVelocity() (float64, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload["velocity"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Store persists behavioral events.
type Store interface {
	// Insert writes a new immutable event row.
	Insert(ctx context.Context, e *Event) error

	// ListSince returns the user's events with occurred_at >= since,
	// oldest first, capped at limit.
	ListSince(ctx context.Context, userID string, since time.Time, limit int) ([]*Event, error)

	// ListPage returns the user's events newest first for cursor
	// pagination. When beforeAt is non-zero, only rows strictly earlier
	// than (beforeAt, beforeID) in that ordering are returned.
	ListPage(ctx context.Context, userID string, beforeAt time.Time, beforeID string, limit int) ([]*Event, error)

	// CountTypesSince counts the user's events of the given types since
	// the cutoff. Used for the reopen-frequency factor.
	CountTypesSince(ctx context.Context, userID string, types []Type, since time.Time) (int, error)

	// MaxScrollVelocitySince returns the maximum payload velocity among
	// scroll events since the cutoff (0 when none).
	MaxScrollVelocitySince(ctx context.Context, userID string, since time.Time) (float64, error)

	// MarkProcessed stamps events as evaluated by the pipeline.
	MarkProcessed(ctx context.Context, ids []string) error
}
