// Package intervention implements graduated behavioral interventions:
// templates, the decision engine that instantiates them from risk
// evaluations, and the feedback path that records user responses.
package intervention

import (
	"context"
	"errors"
	"time"

	"github.com/attnlabs/pacebreak/internal/risk"
)

// Errors
var (
	ErrInterventionNotFound = errors.New("intervention not found")
	ErrTemplateNotFound     = errors.New("intervention template not found")
	ErrIllegalTransition    = errors.New("illegal intervention status transition")
)

// Type enumerates intervention severities, mildest first.
type Type string

const (
	TypeSoftNudge      Type = "soft_nudge"
	TypeMediumFriction Type = "medium_friction"
	TypeHardBlock      Type = "hard_block"
	TypeParentAlert    Type = "parent_alert"
)

// AllowedTypes maps a risk level to the intervention types it permits.
func AllowedTypes(level risk.Level) []Type {
	switch level {
	case risk.LevelMedium:
		return []Type{TypeSoftNudge}
	case risk.LevelHigh:
		return []Type{TypeSoftNudge, TypeMediumFriction}
	case risk.LevelCritical:
		return []Type{TypeMediumFriction, TypeHardBlock, TypeParentAlert}
	default:
		return nil
	}
}

// Status is the lifecycle state of an intervention. Transitions are
// monotonic: a status never moves to one with a lower rank.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDelivered    Status = "delivered"
	StatusAcknowledged Status = "acknowledged"
	StatusDismissed    Status = "dismissed"
	StatusEscalated    Status = "escalated"
)

// Rank orders statuses for the monotonicity check. Acknowledged,
// dismissed, and escalated are all terminal and mutually exclusive.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusDelivered:
		return 1
	case StatusAcknowledged, StatusDismissed, StatusEscalated:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s.Rank() >= 2
}

// Template is read-only configuration: what an intervention of a given
// type says, how severe it is, and how long it cools down after firing.
type Template struct {
	ID              string     `json:"id"`
	Type            Type       `json:"type"`
	MinLevel        risk.Level `json:"minLevel"`
	CooldownMinutes int        `json:"cooldownMinutes"`
	Priority        int        `json:"priority"` // higher fires first
	Active          bool       `json:"active"`
	Title           string     `json:"title"`
	Message         string     `json:"message"`
	ActionText      string     `json:"actionText"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Intervention is one instantiated decision against a user.
type Intervention struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	SessionID   string         `json:"sessionId,omitempty"`
	TemplateID  string         `json:"templateId"`
	Type        Type           `json:"type"`
	Status      Status         `json:"status"`
	RiskLevel   risk.Level     `json:"riskLevel"`
	RiskScore   int            `json:"riskScore"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	ActionText  string         `json:"actionText"`
	SnoozeCount int            `json:"snoozeCount"`
	Response    map[string]any `json:"response,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	DismissedAt    *time.Time `json:"dismissedAt,omitempty"`
	EscalatedAt    *time.Time `json:"escalatedAt,omitempty"`
}

// FeedbackOutcome classifies a user response for later template tuning.
type FeedbackOutcome string

const (
	OutcomeEffective   FeedbackOutcome = "effective"
	OutcomeIneffective FeedbackOutcome = "ineffective"
	OutcomeIgnored     FeedbackOutcome = "ignored"
)

// Feedback is an append-only record of one user response.
type Feedback struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	InterventionID string          `json:"interventionId"`
	Action         string          `json:"action"`
	Outcome        FeedbackOutcome `json:"outcome"`
	Context        map[string]any  `json:"context,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// TemplateStore persists intervention templates.
type TemplateStore interface {
	// Put creates or replaces a template row.
	Put(ctx context.Context, t *Template) error

	// Get returns a template by ID, or ErrTemplateNotFound.
	Get(ctx context.Context, id string) (*Template, error)

	// List returns all templates, active and inactive.
	List(ctx context.Context) ([]*Template, error)

	// ListActiveByTypes returns active templates of the given types,
	// highest priority first.
	ListActiveByTypes(ctx context.Context, types []Type) ([]*Template, error)
}

// Store persists interventions.
type Store interface {
	// Insert writes a new intervention row.
	Insert(ctx context.Context, iv *Intervention) error

	// Get returns an intervention by ID scoped to the user, or
	// ErrInterventionNotFound.
	Get(ctx context.Context, userID, id string) (*Intervention, error)

	// ListOpenByUser returns the user's pending and delivered
	// interventions, newest first. This is the cooldown input set.
	ListOpenByUser(ctx context.Context, userID string) ([]*Intervention, error)

	// ListByUser returns the user's interventions, newest first,
	// capped at limit.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Intervention, error)

	// CountDismissedSince counts the user's interventions dismissed
	// after the cutoff. This is the escalation input.
	CountDismissedSince(ctx context.Context, userID string, since time.Time) (int, error)

	// Update replaces the mutable fields of an existing row (status,
	// timestamps, snooze count, response payload).
	Update(ctx context.Context, iv *Intervention) error
}

// FeedbackStore persists feedback records.
type FeedbackStore interface {
	Insert(ctx context.Context, f *Feedback) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Feedback, error)
}
