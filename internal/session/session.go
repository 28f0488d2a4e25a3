// Package session implements the device and session registry.
//
// Invariant: at most one session in state "active" per (user, device) at
// any time, including under concurrent cold-start requests. The
// find-active-or-create step is a single atomic conditional write in both
// store implementations — a partial unique index upsert in Postgres, a
// per-key mutex in memory — never a read-then-write pair.
package session

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNoActiveSession = errors.New("no active session for device")
	ErrSessionNotFound = errors.New("session not found")
	ErrDeviceNotFound  = errors.New("device not found")
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive State = "active"
	StatePaused State = "paused"
	StateEnded  State = "ended"
)

// Device is a durable record of an install, owned by a user.
// Upserted, never duplicated, keyed by (user, device identifier).
type Device struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	DeviceIdentifier string    `json:"deviceIdentifier"` // stable per install
	Platform         string    `json:"platform"`
	LastSeenAt       time.Time `json:"lastSeenAt"`
	Active           bool      `json:"active"`
}

// Session belongs to exactly one (user, device) pair.
// Identifiers are server-assigned; clients cache them in memory only.
type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	DeviceID         string     `json:"deviceId"`
	State            State      `json:"state"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	ReopenCount      int        `json:"reopenCount"`
	DurationSeconds  int        `json:"durationSeconds"` // computed at end
	LastBackgroundAt *time.Time `json:"lastBackgroundAt,omitempty"`
}

// ElapsedMinutes returns the active minutes of the session as of now.
func (s *Session) ElapsedMinutes(now time.Time) float64 {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(s.StartedAt).Minutes()
}

// Store persists devices and sessions.
type Store interface {
	// UpsertDevice creates or refreshes the device row for
	// (user, device identifier) and returns the canonical record.
	UpsertDevice(ctx context.Context, d *Device) (*Device, error)

	// StartOrReopen atomically finds the active session for (user, device)
	// and increments its reopen count, or creates a new active session when
	// none exists. reopened reports which branch was taken.
	StartOrReopen(ctx context.Context, userID, deviceID string, now time.Time) (s *Session, reopened bool, err error)

	// GetActive returns the active session for (user, device), or
	// ErrNoActiveSession.
	GetActive(ctx context.Context, userID, deviceID string) (*Session, error)

	// Get returns a session by ID scoped to the user, or ErrSessionNotFound.
	Get(ctx context.Context, userID, sessionID string) (*Session, error)

	// End transitions the active session for (user, device) to ended,
	// stamping ended_at and duration. Returns ErrNoActiveSession when
	// there is nothing to end.
	End(ctx context.Context, userID, deviceID string, endedAt time.Time) (*Session, error)

	// SetBackgroundedAt records when the active session went to background
	// (cleared again by passing nil on foreground).
	SetBackgroundedAt(ctx context.Context, sessionID string, at *time.Time) error
}

// Registry applies the session-lifecycle rules over a Store.
type Registry struct {
	store       Store
	idleTimeout time.Duration
}

// NewRegistry creates a session registry. idleTimeout is the
// backgrounding-then-timeout window after which a session is considered
// ended (lazily, on the next event — there is no background reaper).
func NewRegistry(store Store, idleTimeout time.Duration) *Registry {
	return &Registry{store: store, idleTimeout: idleTimeout}
}

// RegisterDevice upserts the device row for an incoming event.
func (r *Registry) RegisterDevice(ctx context.Context, userID, deviceIdentifier, platform string, seenAt time.Time) (*Device, error) {
	return r.store.UpsertDevice(ctx, &Device{
		UserID:           userID,
		DeviceIdentifier: deviceIdentifier,
		Platform:         platform,
		LastSeenAt:       seenAt,
		Active:           true,
	})
}

// Open applies the cold-start/warm-start rule: reopen the active session
// if one exists, otherwise create a new one. The expired-idle check runs
// first so a stale backgrounded session doesn't swallow a cold start.
func (r *Registry) Open(ctx context.Context, userID, deviceID string, now time.Time) (s *Session, reopened bool, err error) {
	if err := r.closeIfIdleExpired(ctx, userID, deviceID, now); err != nil {
		return nil, false, err
	}

	s, reopened, err = r.store.StartOrReopen(ctx, userID, deviceID, now)
	if err != nil {
		return nil, false, err
	}
	if reopened {
		// Foregrounding clears any pending background timestamp.
		if s.LastBackgroundAt != nil {
			_ = r.store.SetBackgroundedAt(ctx, s.ID, nil)
			s.LastBackgroundAt = nil
		}
	}
	return s, reopened, nil
}

// Close ends the active session, computing its duration. A close with no
// active session is a no-op returning ErrNoActiveSession.
func (r *Registry) Close(ctx context.Context, userID, deviceID string, now time.Time) (*Session, error) {
	return r.store.End(ctx, userID, deviceID, now)
}

// Current returns the active session for (user, device) after applying the
// lazy idle-timeout close. Returns ErrNoActiveSession when none remains.
func (r *Registry) Current(ctx context.Context, userID, deviceID string, now time.Time) (*Session, error) {
	if err := r.closeIfIdleExpired(ctx, userID, deviceID, now); err != nil {
		return nil, err
	}
	return r.store.GetActive(ctx, userID, deviceID)
}

// NoteBackground stamps the active session as backgrounded.
func (r *Registry) NoteBackground(ctx context.Context, userID, deviceID string, at time.Time) error {
	s, err := r.store.GetActive(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			return nil
		}
		return err
	}
	return r.store.SetBackgroundedAt(ctx, s.ID, &at)
}

// NoteForeground clears a pending background stamp, or reports that the
// session already idled out.
func (r *Registry) NoteForeground(ctx context.Context, userID, deviceID string, now time.Time) error {
	if err := r.closeIfIdleExpired(ctx, userID, deviceID, now); err != nil {
		return err
	}
	s, err := r.store.GetActive(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			return nil
		}
		return err
	}
	return r.store.SetBackgroundedAt(ctx, s.ID, nil)
}

// Get returns a session by ID scoped to the user.
func (r *Registry) Get(ctx context.Context, userID, sessionID string) (*Session, error) {
	return r.store.Get(ctx, userID, sessionID)
}

// closeIfIdleExpired ends the active session when it was backgrounded
// longer than the idle timeout. The session is ended as of the moment the
// timeout elapsed, not as of now.
func (r *Registry) closeIfIdleExpired(ctx context.Context, userID, deviceID string, now time.Time) error {
	if r.idleTimeout <= 0 {
		return nil
	}
	s, err := r.store.GetActive(ctx, userID, deviceID)
	if err != nil {
		if errors.Is(err, ErrNoActiveSession) {
			return nil
		}
		return err
	}
	if s.LastBackgroundAt == nil {
		return nil
	}
	deadline := s.LastBackgroundAt.Add(r.idleTimeout)
	if now.Before(deadline) {
		return nil
	}
	_, err = r.store.End(ctx, userID, deviceID, deadline)
	if errors.Is(err, ErrNoActiveSession) {
		// Lost a race with a concurrent close; fine.
		return nil
	}
	return err
}
