package intervention

import (
	"context"
	"fmt"
	"time"

	"github.com/attnlabs/pacebreak/internal/idgen"
	"github.com/attnlabs/pacebreak/internal/metrics"
)

// Response actions accepted by the feedback path.
const (
	ActionAcknowledge = "acknowledge"
	ActionDismiss     = "dismiss"
	ActionSnooze      = "snooze"
	ActionTaken       = "action_taken"
)

// ValidAction reports whether a response action is recognized.
func ValidAction(action string) bool {
	switch action {
	case ActionAcknowledge, ActionDismiss, ActionSnooze, ActionTaken:
		return true
	}
	return false
}

// Recorder applies user responses to interventions: a monotonic status
// transition plus an append-only feedback record.
type Recorder struct {
	store    Store
	feedback FeedbackStore
}

// NewRecorder creates a feedback recorder.
func NewRecorder(store Store, feedback FeedbackStore) *Recorder {
	return &Recorder{store: store, feedback: feedback}
}

// Respond applies one response. Snoozing keeps the intervention pending
// and bumps its snooze counter; everything else moves the status forward.
// Returns the intervention's new status.
func (r *Recorder) Respond(ctx context.Context, userID, interventionID, action string, responseCtx map[string]any) (Status, error) {
	if !ValidAction(action) {
		return "", fmt.Errorf("unrecognized response action %q", action)
	}

	iv, err := r.store.Get(ctx, userID, interventionID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	next, outcome := applyAction(iv, action, now)
	if next == "" {
		return "", fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, iv.Status, action)
	}
	iv.Status = next
	if responseCtx != nil {
		iv.Response = responseCtx
	}

	if err := r.store.Update(ctx, iv); err != nil {
		return "", fmt.Errorf("update intervention: %w", err)
	}

	fb := &Feedback{
		ID:             idgen.WithPrefix(idgen.PrefixFeedback),
		UserID:         userID,
		InterventionID: interventionID,
		Action:         action,
		Outcome:        outcome,
		Context:        responseCtx,
		CreatedAt:      now,
	}
	if err := r.feedback.Insert(ctx, fb); err != nil {
		return "", fmt.Errorf("insert feedback: %w", err)
	}
	metrics.InterventionResponsesTotal.WithLabelValues(action).Inc()

	return iv.Status, nil
}

// History returns the user's recent feedback records, newest first.
func (r *Recorder) History(ctx context.Context, userID string, limit int) ([]*Feedback, error) {
	return r.feedback.ListByUser(ctx, userID, limit)
}

// applyAction mutates iv's timestamps/counters for the action and returns
// the next status plus the feedback outcome. An empty status means the
// transition is illegal from iv's current status.
func applyAction(iv *Intervention, action string, now time.Time) (Status, FeedbackOutcome) {
	if iv.Status.Terminal() {
		return "", ""
	}

	switch action {
	case ActionAcknowledge:
		iv.AcknowledgedAt = &now
		return StatusAcknowledged, OutcomeEffective
	case ActionTaken:
		// Following the suggested action is the strongest positive signal.
		iv.AcknowledgedAt = &now
		return StatusAcknowledged, OutcomeEffective
	case ActionDismiss:
		iv.DismissedAt = &now
		return StatusDismissed, OutcomeIneffective
	case ActionSnooze:
		iv.SnoozeCount++
		// Snoozing is not a transition: the row stays where it is.
		return iv.Status, OutcomeIgnored
	}
	return "", ""
}
