package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/attnlabs/pacebreak/internal/event"
	"github.com/attnlabs/pacebreak/internal/idgen"
	"github.com/attnlabs/pacebreak/internal/metrics"
	"github.com/attnlabs/pacebreak/internal/policy"
	"github.com/attnlabs/pacebreak/internal/session"
)

// FactorInputs are the resolved inputs to the pure scoring function.
type FactorInputs struct {
	// Session duration
	ElapsedMinutes      float64
	SessionLimitMinutes int

	// Reopen frequency over the rolling window
	ReopenCount     int
	ReopenThreshold int

	// Late night: local wall-clock minutes past midnight plus the policy
	// bedtime window in the same representation
	LocalMinuteOfDay int
	BedtimeStartMin  int
	BedtimeEndMin    int
	BedtimeValid     bool

	// Scroll velocity
	MaxVelocity   float64
	VelocityLimit float64
}

// Compute is the pure scoring function: inputs in, factors out.
// No clock, no store, no side effects.
func Compute(in FactorInputs) Factors {
	return Factors{
		SessionDuration: durationFactor(in.ElapsedMinutes, in.SessionLimitMinutes),
		ReopenFrequency: reopenFactor(in.ReopenCount, in.ReopenThreshold),
		LateNight:       lateNightFactor(in.LocalMinuteOfDay, in.BedtimeStartMin, in.BedtimeEndMin, in.BedtimeValid),
		ScrollVelocity:  velocityFactor(in.MaxVelocity, in.VelocityLimit),
	}
}

// durationFactor buckets elapsed active-session minutes against the
// policy session limit by ratio.
func durationFactor(elapsedMin float64, limitMin int) int {
	if limitMin <= 0 || elapsedMin <= 0 {
		return 0
	}
	ratio := elapsedMin / float64(limitMin)
	switch {
	case ratio >= 2.0:
		return 25
	case ratio >= 1.5:
		return 20
	case ratio >= 1.0:
		return 15
	case ratio >= 0.75:
		return 10
	case ratio >= 0.5:
		return 5
	default:
		return 0
	}
}

// reopenFactor buckets the rolling-hour reopen count against the policy
// reopen threshold by ratio.
func reopenFactor(count, threshold int) int {
	if threshold <= 0 || count <= 0 {
		return 0
	}
	ratio := float64(count) / float64(threshold)
	switch {
	case ratio >= 3.0:
		return 25
	case ratio >= 2.0:
		return 20
	case ratio >= 1.0:
		return 15
	case ratio >= 0.6:
		return 8
	default:
		return 0
	}
}

// lateNightFactor weighs use inside the bedtime window, heavier the
// deeper into the night: 00:00-05:00 scores 25, the 23:00-06:00 shoulder
// scores 20, anywhere else inside the window scores 10.
func lateNightFactor(localMin, startMin, endMin int, valid bool) int {
	if !valid || !inWindow(localMin, startMin, endMin) {
		return 0
	}

	hour := localMin / 60
	switch {
	case hour < 5: // 00:00-05:00
		return 25
	case hour >= 23 || hour < 6: // 23:00-06:00 shoulder
		return 20
	default:
		return 10
	}
}

// inWindow reports whether localMin falls inside [startMin, endMin),
// handling windows that wrap midnight.
func inWindow(localMin, startMin, endMin int) bool {
	if startMin == endMin {
		return false
	}
	if startMin < endMin {
		return localMin >= startMin && localMin < endMin
	}
	// Wraps midnight, e.g. 23:00-06:00
	return localMin >= startMin || localMin < endMin
}

// velocityFactor buckets the max observed scroll velocity against the
// policy limit by ratio.
func velocityFactor(maxVelocity, limit float64) int {
	if limit <= 0 || maxVelocity <= 0 {
		return 0
	}
	ratio := maxVelocity / limit
	switch {
	case ratio >= 2.0:
		return 25
	case ratio >= 1.5:
		return 15
	case ratio >= 1.0:
		return 10
	default:
		return 0
	}
}

// Input identifies one evaluation request.
type Input struct {
	UserID    string
	SessionID string // optional
	EventType string
	EventData map[string]any // current event payload, e.g. scroll velocity
	Now       time.Time      // zero means time.Now()
}

// Evaluation is the result of one engine run.
type Evaluation struct {
	Score         int     `json:"score"`
	Level         Level   `json:"risk_level"`
	Factors       Factors `json:"factors"`
	PreviousLevel Level   `json:"previous_level"`
	LevelChanged  bool    `json:"level_changed"`
}

// Engine loads evaluation inputs, runs the pure scoring function, and
// persists the outcome: the state row is overwritten unconditionally,
// and a history entry is appended only when the level changed.
type Engine struct {
	states   StateStore
	history  HistoryStore
	events   event.Store
	sessions *session.Registry
	policies *policy.Resolver
	window   time.Duration // rolling aggregation window, normally 1h
}

// NewEngine creates a risk engine over the given collaborators.
func NewEngine(states StateStore, history HistoryStore, events event.Store, sessions *session.Registry, policies *policy.Resolver, window time.Duration) *Engine {
	if window <= 0 {
		window = time.Hour
	}
	return &Engine{
		states:   states,
		history:  history,
		events:   events,
		sessions: sessions,
		policies: policies,
		window:   window,
	}
}

// Evaluate runs one scoring pass for the user and persists the result.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Evaluation, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	pol, err := e.policies.ForUser(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve policy: %w", err)
	}

	inputs, err := e.gather(ctx, in, pol, now)
	if err != nil {
		return nil, err
	}

	factors := Compute(inputs)
	score := factors.Total()
	level := LevelForScore(score)

	prevLevel := LevelLow
	if prev, err := e.states.Get(ctx, in.UserID); err == nil {
		prevLevel = prev.Level
	} else if !errors.Is(err, ErrStateNotFound) {
		return nil, fmt.Errorf("load risk state: %w", err)
	}

	st := &State{
		UserID:      in.UserID,
		Score:       score,
		Level:       level,
		Factors:     factors,
		EvaluatedAt: now,
	}
	if err := e.states.Upsert(ctx, st); err != nil {
		return nil, fmt.Errorf("overwrite risk state: %w", err)
	}

	changed := level != prevLevel
	if changed {
		entry := &HistoryEntry{
			ID:            idgen.WithPrefix(idgen.PrefixRisk),
			UserID:        in.UserID,
			PreviousLevel: prevLevel,
			NewLevel:      level,
			Score:         score,
			Factors:       factors,
			TriggerEvent:  in.EventType,
			CreatedAt:     now,
		}
		if err := e.history.Append(ctx, entry); err != nil {
			return nil, fmt.Errorf("append risk history: %w", err)
		}
		metrics.RiskLevelChangesTotal.WithLabelValues(string(level)).Inc()
	}

	return &Evaluation{
		Score:         score,
		Level:         level,
		Factors:       factors,
		PreviousLevel: prevLevel,
		LevelChanged:  changed,
	}, nil
}

// State returns the user's current risk state.
func (e *Engine) State(ctx context.Context, userID string) (*State, error) {
	return e.states.Get(ctx, userID)
}

// History returns recent level-change entries for the user.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]*HistoryEntry, error) {
	return e.history.ListRecent(ctx, userID, limit)
}

// gather resolves the factor inputs from the registry, event window, and
// policy. Absent inputs (no active session, no scrolls) zero their factor.
func (e *Engine) gather(ctx context.Context, in Input, pol *policy.Policy, now time.Time) (FactorInputs, error) {
	out := FactorInputs{
		SessionLimitMinutes: pol.SessionLimitMinutes,
		ReopenThreshold:     pol.ReopenThreshold,
		VelocityLimit:       pol.ScrollVelocityLimit,
	}

	since := now.Add(-e.window)

	// Active-session duration. The session ID on the input is advisory;
	// the registry lookup by user happens in the caller (orchestrator)
	// which resolves the device. Here a direct session fetch suffices.
	if in.SessionID != "" {
		if s, err := e.sessions.Get(ctx, in.UserID, in.SessionID); err == nil && s.State == session.StateActive {
			out.ElapsedMinutes = s.ElapsedMinutes(now)
		}
	}

	// Reopen frequency over the window. The gateway stores a cold start
	// as an open row and a warm start as a reopen row, so counting both
	// sees exactly one row per return to the app.
	count, err := e.events.CountTypesSince(ctx, in.UserID,
		[]event.Type{event.TypeReopen, event.TypeAppOpen, event.TypeSessionStart}, since)
	if err != nil {
		return out, fmt.Errorf("count reopen events: %w", err)
	}
	out.ReopenCount = count

	// Scroll velocity: max of the window and the current event.
	maxV, err := e.events.MaxScrollVelocitySince(ctx, in.UserID, since)
	if err != nil {
		return out, fmt.Errorf("max scroll velocity: %w", err)
	}
	if in.EventData != nil {
		if v, ok := in.EventData["velocity"].(float64); ok && v > maxV {
			maxV = v
		}
	}
	out.MaxVelocity = maxV

	// Late night: wall clock in the user's policy timezone.
	local := now.In(pol.Location())
	out.LocalMinuteOfDay = local.Hour()*60 + local.Minute()
	out.BedtimeStartMin, out.BedtimeEndMin, out.BedtimeValid = pol.BedtimeWindow()

	return out, nil
}
