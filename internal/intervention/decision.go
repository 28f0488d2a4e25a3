package intervention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/attnlabs/pacebreak/internal/guardian"
	"github.com/attnlabs/pacebreak/internal/idgen"
	"github.com/attnlabs/pacebreak/internal/logging"
	"github.com/attnlabs/pacebreak/internal/metrics"
	"github.com/attnlabs/pacebreak/internal/policy"
	"github.com/attnlabs/pacebreak/internal/risk"
)

// Score cutoffs used by the severity preference pass.
const (
	preferParentAlertScore    = 75
	preferHardBlockScore      = 50
	preferMediumFrictionScore = 35
)

// escalationDismissals is how many dismissals within the window schedule
// an escalation.
const escalationDismissals = 2

// stateEscalating mirrors the orchestrator's escalating state name. While
// the machine is escalating, decisions are handled at the critical tier.
const stateEscalating = "escalating"

// DecisionInput carries one decision request.
type DecisionInput struct {
	UserID       string
	SessionID    string
	Level        risk.Level
	Score        int
	CurrentState string
	Now          time.Time // zero means time.Now()
}

// Decision is the outcome of one decision run. "No intervention" is a
// normal outcome, not an error.
type Decision struct {
	Triggered           bool          `json:"intervention_triggered"`
	Intervention        *Intervention `json:"intervention,omitempty"`
	ParentNotified      bool          `json:"parent_notified"`
	EscalationScheduled bool          `json:"escalation_scheduled"`
}

// Decider selects and instantiates interventions from risk evaluations.
type Decider struct {
	templates TemplateStore
	store     Store
	guardians *guardian.Resolver
	policies  *policy.Resolver
	window    time.Duration // escalation lookback, normally 1h
}

// NewDecider creates a decision engine over the given collaborators.
func NewDecider(templates TemplateStore, store Store, guardians *guardian.Resolver, policies *policy.Resolver, window time.Duration) *Decider {
	if window <= 0 {
		window = time.Hour
	}
	return &Decider{
		templates: templates,
		store:     store,
		guardians: guardians,
		policies:  policies,
		window:    window,
	}
}

// Decide runs the full decision algorithm: allowed types by level,
// cooldown exclusion, template selection, row creation, guardian
// resolution, and the independent escalation check.
func (d *Decider) Decide(ctx context.Context, in DecisionInput) (*Decision, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	out := &Decision{}

	// An escalating machine handles the decision at the critical tier
	// even when the raw level has dipped below it.
	level := in.Level
	if in.CurrentState == stateEscalating {
		level = risk.LevelCritical
	}

	allowed, err := d.eligibleTypes(ctx, in.UserID, level, now)
	if err != nil {
		return nil, err
	}

	if len(allowed) > 0 {
		tpl, err := d.selectTemplate(ctx, allowed, in.Score)
		if err != nil {
			return nil, err
		}
		if tpl != nil {
			iv, notified, err := d.instantiate(ctx, in, tpl, now)
			if err != nil {
				return nil, err
			}
			out.Triggered = true
			out.Intervention = iv
			out.ParentNotified = notified
			metrics.InterventionsTotal.WithLabelValues(string(iv.Type)).Inc()
		}
	}

	scheduled, err := d.escalationCheck(ctx, in.UserID, level, now)
	if err != nil {
		// Escalation is advisory; a failed check must not void an
		// already-created intervention.
		logging.L(ctx).Warn("escalation check failed", "error", err)
	} else {
		out.EscalationScheduled = scheduled
	}

	return out, nil
}

// eligibleTypes maps the level to its allowed types and removes any type
// still cooling down from a recent pending/delivered intervention.
func (d *Decider) eligibleTypes(ctx context.Context, userID string, level risk.Level, now time.Time) ([]Type, error) {
	allowed := AllowedTypes(level)
	if len(allowed) == 0 {
		return nil, nil
	}

	open, err := d.store.ListOpenByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list open interventions: %w", err)
	}

	cooling := make(map[Type]bool)
	for _, iv := range open {
		tpl, err := d.templates.Get(ctx, iv.TemplateID)
		if err != nil {
			if errors.Is(err, ErrTemplateNotFound) {
				// Template retired since the intervention fired;
				// treat the type as not cooling.
				continue
			}
			return nil, fmt.Errorf("load template %s: %w", iv.TemplateID, err)
		}
		if now.Before(iv.CreatedAt.Add(time.Duration(tpl.CooldownMinutes) * time.Minute)) {
			cooling[iv.Type] = true
		}
	}

	var eligible []Type
	for _, t := range allowed {
		if !cooling[t] {
			eligible = append(eligible, t)
		}
	}
	return eligible, nil
}

// selectTemplate walks active templates of the eligible types in
// descending priority and picks the first whose score gate passes:
// parent_alert needs score >= 75, hard_block >= 50, medium_friction
// >= 35, soft_nudge has no gate. With default priorities this means a
// critical score selects hard_block and parent_alert only fires once
// hard_block is cooling down. Falls back to the highest-priority
// template when no gate passes.
func (d *Decider) selectTemplate(ctx context.Context, eligible []Type, score int) (*Template, error) {
	templates, err := d.templates.ListActiveByTypes(ctx, eligible)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	if len(templates) == 0 {
		return nil, nil
	}

	for _, t := range templates {
		if score >= scoreGate(t.Type) {
			return t, nil
		}
	}
	return templates[0], nil
}

// scoreGate is the minimum score at which a type is preferred during
// template iteration.
func scoreGate(t Type) int {
	switch t {
	case TypeParentAlert:
		return preferParentAlertScore
	case TypeHardBlock:
		return preferHardBlockScore
	case TypeMediumFriction:
		return preferMediumFrictionScore
	default:
		return 0
	}
}

// instantiate creates the pending intervention row and, for parent
// alerts with a linked guardian, immediately marks it delivered.
// Actual alert dispatch happens downstream of the delivered status.
func (d *Decider) instantiate(ctx context.Context, in DecisionInput, tpl *Template, now time.Time) (*Intervention, bool, error) {
	iv := &Intervention{
		ID:         idgen.WithPrefix(idgen.PrefixIntervention),
		UserID:     in.UserID,
		SessionID:  in.SessionID,
		TemplateID: tpl.ID,
		Type:       tpl.Type,
		Status:     StatusPending,
		RiskLevel:  in.Level,
		RiskScore:  in.Score,
		Title:      tpl.Title,
		Message:    tpl.Message,
		ActionText: tpl.ActionText,
		CreatedAt:  now,
	}

	notified := false
	if tpl.Type == TypeParentAlert {
		has, err := d.guardians.HasActive(ctx, in.UserID)
		if err != nil {
			return nil, false, fmt.Errorf("resolve guardian: %w", err)
		}
		if has {
			iv.Status = StatusDelivered
			iv.DeliveredAt = &now
			notified = true
		}
	}

	if err := d.store.Insert(ctx, iv); err != nil {
		return nil, false, fmt.Errorf("insert intervention: %w", err)
	}
	return iv, notified, nil
}

// escalationCheck flags an escalation when policy enables it, the level
// is not already critical, and the user dismissed >= 2 interventions in
// the lookback window. The flag is consumed by the orchestrator's state
// machine, never acted on here.
func (d *Decider) escalationCheck(ctx context.Context, userID string, level risk.Level, now time.Time) (bool, error) {
	if level == risk.LevelCritical {
		return false, nil
	}
	pol, err := d.policies.ForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("resolve policy: %w", err)
	}
	if !pol.EscalationEnabled {
		return false, nil
	}
	dismissed, err := d.store.CountDismissedSince(ctx, userID, now.Add(-d.window))
	if err != nil {
		return false, fmt.Errorf("count dismissed: %w", err)
	}
	return dismissed >= escalationDismissals, nil
}
