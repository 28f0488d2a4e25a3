// Package orchestrator chains the evaluation pipeline: per-user state
// machine, risk scoring, intervention decision, and realtime fan-out.
// Each run is an independent, stateless unit of work; no stage failure
// aborts the others.
package orchestrator

import (
	"context"
	"time"
)

// StateName is one of the per-user machine states.
type StateName string

const (
	StateIdle        StateName = "idle"
	StateMonitoring  StateName = "monitoring"
	StateIntervening StateName = "intervening"
	StateEscalating  StateName = "escalating"
)

// Machine events consumed by the transition table. Device event types map
// onto these; risk and decision outcomes synthesize the rest.
const (
	EvAppOpen        = "app_open"
	EvSessionStart   = "session_start"
	EvAppClose       = "app_close"
	EvSessionEnd     = "session_end"
	EvCriticalRisk   = "critical_risk"
	EvHighRisk       = "high_risk"
	EvAcknowledged   = "intervention_acknowledged"
	EvDismissed      = "intervention_dismissed"
	EvEscalation     = "escalation_triggered"
	EvParentNotified = "parent_notified"
)

// Next applies the transition table. ok is false when the event does not
// transition out of the current state; the state is then unchanged.
func Next(current StateName, event string) (StateName, bool) {
	// app_close resets from anywhere.
	if event == EvAppClose {
		if current == StateIdle {
			return StateIdle, false
		}
		return StateIdle, true
	}

	switch current {
	case StateIdle:
		if event == EvAppOpen || event == EvSessionStart {
			return StateMonitoring, true
		}
	case StateMonitoring:
		switch event {
		case EvSessionEnd:
			return StateIdle, true
		case EvCriticalRisk:
			return StateEscalating, true
		case EvHighRisk:
			return StateIntervening, true
		}
	case StateIntervening:
		switch event {
		case EvAcknowledged, EvDismissed:
			return StateMonitoring, true
		case EvEscalation:
			return StateEscalating, true
		}
	case StateEscalating:
		if event == EvParentNotified {
			return StateMonitoring, true
		}
	}
	return current, false
}

// AgentState is the per-user machine cursor: one row per user, upserted
// after every run.
type AgentState struct {
	UserID    string         `json:"userId"`
	Current   StateName      `json:"currentState"`
	StateData map[string]any `json:"stateData,omitempty"` // last event, last risk snapshot
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Store persists agent states.
type Store interface {
	// Get returns the user's agent state, or nil when none exists yet.
	Get(ctx context.Context, userID string) (*AgentState, error)
	// Upsert overwrites the user's agent state unconditionally.
	Upsert(ctx context.Context, st *AgentState) error
}
