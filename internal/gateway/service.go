// Package gateway ingests behavioral events: it owns the write path from
// a raw device event to a session update, a stored event row, and an
// asynchronous orchestrator dispatch. Ingestion never blocks on, retries,
// or surfaces downstream evaluation failures.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/attnlabs/pacebreak/internal/event"
	"github.com/attnlabs/pacebreak/internal/idgen"
	"github.com/attnlabs/pacebreak/internal/logging"
	"github.com/attnlabs/pacebreak/internal/metrics"
	"github.com/attnlabs/pacebreak/internal/orchestrator"
	"github.com/attnlabs/pacebreak/internal/session"
)

// Dispatcher receives the asynchronous gateway-to-orchestrator handoff.
type Dispatcher interface {
	Run(ctx context.Context, in orchestrator.Input) *orchestrator.Result
}

// SessionNotifier receives session lifecycle notifications, typically the
// webhook emitter. Implementations must not block.
type SessionNotifier interface {
	EmitSessionStarted(userID, sessionID, deviceID string)
	EmitSessionEnded(userID, sessionID string, durationSeconds, reopenCount int)
}

// IncomingEvent is one raw device event, pre-validation.
type IncomingEvent struct {
	EventType        string         `json:"event_type"`
	DeviceIdentifier string         `json:"device_identifier"`
	Platform         string         `json:"platform"`
	ScreenName       string         `json:"screen_name,omitempty"`
	EventData        map[string]any `json:"event_data,omitempty"`
	Timestamp        *time.Time     `json:"timestamp,omitempty"`
}

// EventResult is the per-event slot in a batch response.
type EventResult struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IngestResult summarizes one gateway request.
type IngestResult struct {
	Success         bool          `json:"success"`
	SessionID       string        `json:"session_id,omitempty"`
	DeviceID        string        `json:"device_id,omitempty"`
	Results         []EventResult `json:"results"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
}

// Service applies the ingestion pipeline for authenticated users.
type Service struct {
	events   event.Store
	sessions *session.Registry
	dispatch Dispatcher
	notify   SessionNotifier // optional
}

// NewService creates a gateway service. dispatch may be nil in tests
// that only exercise the write path.
func NewService(events event.Store, sessions *session.Registry, dispatch Dispatcher) *Service {
	return &Service{events: events, sessions: sessions, dispatch: dispatch}
}

// SetNotifier attaches a session lifecycle notifier.
func (s *Service) SetNotifier(n SessionNotifier) {
	s.notify = n
}

// ListEvents reads one page of the user's event history, newest first.
// beforeAt/beforeID carry the keyset cursor; zero beforeAt means the
// first page.
func (s *Service) ListEvents(ctx context.Context, userID string, beforeAt time.Time, beforeID string, limit int) ([]*event.Event, error) {
	return s.events.ListPage(ctx, userID, beforeAt, beforeID, limit)
}

// Ingest processes a batch of events for one user and device. Events are
// processed in order; a failed event fills its result slot and the rest
// continue. The orchestrator dispatch happens once per event,
// fire-and-forget, after the event row is committed.
func (s *Service) Ingest(ctx context.Context, userID string, incoming []IncomingEvent) *IngestResult {
	started := time.Now()
	res := &IngestResult{Success: true, Results: make([]EventResult, 0, len(incoming))}
	log := logging.L(ctx).With("user_id", userID)

	for _, in := range incoming {
		slot := s.ingestOne(ctx, userID, in, res, log)
		if !slot.Success {
			res.Success = false
		}
		res.Results = append(res.Results, slot)
	}

	res.ExecutionTimeMs = time.Since(started).Milliseconds()
	return res
}

func (s *Service) ingestOne(ctx context.Context, userID string, in IncomingEvent, res *IngestResult, log logger) EventResult {
	occurredAt := time.Now()
	if in.Timestamp != nil {
		occurredAt = *in.Timestamp
	}

	device, err := s.sessions.RegisterDevice(ctx, userID, in.DeviceIdentifier, in.Platform, occurredAt)
	if err != nil {
		log.Error("device upsert failed", "error", err)
		return EventResult{Error: "device registration failed"}
	}
	res.DeviceID = device.ID

	eventType := event.Type(in.EventType)
	sessionID, reopened, err := s.applySessionLifecycle(ctx, userID, device.ID, eventType, occurredAt)
	if err != nil {
		log.Error("session lifecycle failed", "event_type", in.EventType, "error", err)
		return EventResult{Error: "session update failed"}
	}
	if sessionID != "" {
		res.SessionID = sessionID
	}

	// A warm start is stored as a synthesized reopen row: the session
	// keeps its counter and the rolling risk window sees exactly one
	// open-type row per return to the app.
	if reopened {
		eventType = event.TypeReopen
	}

	e := &event.Event{
		ID:         idgen.WithPrefix(idgen.PrefixEvent),
		UserID:     userID,
		DeviceID:   device.ID,
		SessionID:  sessionID,
		Type:       eventType,
		ScreenName: in.ScreenName,
		Payload:    in.EventData,
		OccurredAt: occurredAt,
	}
	if err := s.events.Insert(ctx, e); err != nil {
		log.Error("event insert failed", "event_type", in.EventType, "error", err)
		return EventResult{Error: "event write failed"}
	}
	metrics.EventsIngestedTotal.WithLabelValues(string(eventType)).Inc()

	s.dispatchAsync(ctx, orchestrator.Input{
		UserID:    userID,
		SessionID: sessionID,
		EventID:   e.ID,
		EventType: string(eventType),
		EventData: in.EventData,
	})

	return EventResult{Success: true, EventID: e.ID}
}

// applySessionLifecycle maps the event type onto the session registry:
// open-type events start or reopen, close-type events end, background and
// foreground stamp the idle timer. Other events attach to the current
// active session when one exists.
func (s *Service) applySessionLifecycle(ctx context.Context, userID, deviceID string, t event.Type, at time.Time) (sessionID string, reopened bool, err error) {
	switch {
	case t.IsOpen() || t == event.TypeReopen:
		sess, re, err := s.sessions.Open(ctx, userID, deviceID, at)
		if err != nil {
			return "", false, fmt.Errorf("open session: %w", err)
		}
		if re {
			metrics.SessionReopensTotal.Inc()
		} else {
			metrics.SessionsStartedTotal.Inc()
			if s.notify != nil {
				s.notify.EmitSessionStarted(userID, sess.ID, deviceID)
			}
		}
		return sess.ID, re, nil

	case t.IsClose():
		sess, err := s.sessions.Close(ctx, userID, deviceID, at)
		if errors.Is(err, session.ErrNoActiveSession) {
			return "", false, nil // close with nothing open is a no-op
		}
		if err != nil {
			return "", false, fmt.Errorf("close session: %w", err)
		}
		if s.notify != nil {
			s.notify.EmitSessionEnded(userID, sess.ID, sess.DurationSeconds, sess.ReopenCount)
		}
		return sess.ID, false, nil

	case t == event.TypeBackground:
		if err := s.sessions.NoteBackground(ctx, userID, deviceID, at); err != nil {
			return "", false, fmt.Errorf("note background: %w", err)
		}

	case t == event.TypeForeground:
		if err := s.sessions.NoteForeground(ctx, userID, deviceID, at); err != nil {
			return "", false, fmt.Errorf("note foreground: %w", err)
		}
	}

	sess, err := s.sessions.Current(ctx, userID, deviceID, at)
	if errors.Is(err, session.ErrNoActiveSession) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("current session: %w", err)
	}
	return sess.ID, false, nil
}

// dispatchAsync hands the event to the orchestrator on a fresh goroutine.
// The gateway does not wait for, retry, or propagate the outcome; a panic
// downstream is contained here. The detached context keeps the run alive
// after the HTTP request completes. Once the run returns, the triggering
// event is stamped processed regardless of the run's outcome.
func (s *Service) dispatchAsync(ctx context.Context, in orchestrator.Input) {
	if s.dispatch == nil {
		return
	}
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.L(runCtx).Error("orchestrator dispatch panicked",
					"user_id", in.UserID, "panic", fmt.Sprint(r))
			}
		}()
		s.dispatch.Run(runCtx, in)
		if in.EventID == "" {
			return
		}
		if err := s.events.MarkProcessed(runCtx, []string{in.EventID}); err != nil {
			logging.L(runCtx).Error("mark event processed failed",
				"event_id", in.EventID, "error", err)
		}
	}()
}

type logger interface {
	Error(msg string, args ...any)
}
