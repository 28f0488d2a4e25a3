// Package risk implements behavioral risk scoring.
//
// Every orchestrator run evaluates 4 independent factors — session
// duration, reopen frequency, late-night use, and scroll velocity — each
// bucketed by ratio to the user's policy threshold into [0,25]. The sum
// is the risk score in [0,100]; the level (low/medium/high/critical) is a
// pure threshold function of the score. Bucketing is deliberate: coarse,
// explainable tiers rather than a smooth curve.
package risk

import (
	"context"
	"errors"
	"time"
)

// ErrStateNotFound is returned when a user has no risk state yet.
var ErrStateNotFound = errors.New("risk state not found")

// Level is a discrete risk bucket derived from the numeric score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Score thresholds for level mapping.
const (
	ThresholdCritical = 75
	ThresholdHigh     = 50
	ThresholdMedium   = 25
)

// LevelForScore maps a score in [0,100] to its level.
func LevelForScore(score int) Level {
	switch {
	case score >= ThresholdCritical:
		return LevelCritical
	case score >= ThresholdHigh:
		return LevelHigh
	case score >= ThresholdMedium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Rank orders levels for comparisons (low < medium < high < critical).
func (l Level) Rank() int {
	switch l {
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return 0
	}
}

// Factors are the four independent sub-scores, each in [0,25].
type Factors struct {
	SessionDuration int `json:"session_duration"`
	ReopenFrequency int `json:"reopen_frequency"`
	LateNight       int `json:"late_night"`
	ScrollVelocity  int `json:"scroll_velocity"`
}

// Total sums the factors; by construction in [0,100].
func (f Factors) Total() int {
	return f.SessionDuration + f.ReopenFrequency + f.LateNight + f.ScrollVelocity
}

// State is the current aggregate risk for a user. One row per user,
// overwritten atomically on every evaluation — never versioned.
type State struct {
	UserID      string    `json:"userId"`
	Score       int       `json:"score"`
	Level       Level     `json:"level"`
	Factors     Factors   `json:"factors"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// HistoryEntry is an append-only audit row, written only when the level
// changes — not a time series of every evaluation.
type HistoryEntry struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	PreviousLevel Level     `json:"previousLevel"`
	NewLevel      Level     `json:"newLevel"`
	Score         int       `json:"score"`
	Factors       Factors   `json:"factors"`
	TriggerEvent  string    `json:"triggerEvent"` // event type that triggered evaluation
	CreatedAt     time.Time `json:"createdAt"`
}

// StateStore persists the per-user risk state.
type StateStore interface {
	Get(ctx context.Context, userID string) (*State, error)
	// Upsert overwrites the user's risk state unconditionally.
	Upsert(ctx context.Context, st *State) error
}

// HistoryStore persists level-change audit entries.
type HistoryStore interface {
	Append(ctx context.Context, entry *HistoryEntry) error
	ListRecent(ctx context.Context, userID string, limit int) ([]*HistoryEntry, error)
}
