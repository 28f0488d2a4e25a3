package intervention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/attnlabs/pacebreak/internal/idgen"
	"github.com/attnlabs/pacebreak/internal/risk"
)

func newRecorderFixture(t *testing.T) (*Recorder, *MemoryStore, *MemoryFeedbackStore) {
	t.Helper()
	store := NewMemoryStore()
	feedback := NewMemoryFeedbackStore()
	return NewRecorder(store, feedback), store, feedback
}

func seedIntervention(t *testing.T, store *MemoryStore, status Status) *Intervention {
	t.Helper()
	iv := &Intervention{
		ID:         idgen.WithPrefix(idgen.PrefixIntervention),
		UserID:     "usr_a",
		TemplateID: "tpl_x",
		Type:       TypeSoftNudge,
		Status:     status,
		RiskLevel:  risk.LevelMedium,
		RiskScore:  30,
		CreatedAt:  time.Now(),
	}
	if err := store.Insert(context.Background(), iv); err != nil {
		t.Fatalf("insert intervention: %v", err)
	}
	return iv
}

func TestRespondAcknowledge(t *testing.T) {
	recorder, store, feedback := newRecorderFixture(t)
	iv := seedIntervention(t, store, StatusDelivered)

	status, err := recorder.Respond(context.Background(), "usr_a", iv.ID, ActionAcknowledge, nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if status != StatusAcknowledged {
		t.Fatalf("status = %s, want acknowledged", status)
	}

	stored, _ := store.Get(context.Background(), "usr_a", iv.ID)
	if stored.AcknowledgedAt == nil {
		t.Fatal("acknowledged_at not stamped")
	}

	records, _ := feedback.ListByUser(context.Background(), "usr_a", 10)
	if len(records) != 1 || records[0].Outcome != OutcomeEffective {
		t.Fatalf("feedback = %+v, want one effective record", records)
	}
}

func TestRespondDismiss(t *testing.T) {
	recorder, store, feedback := newRecorderFixture(t)
	iv := seedIntervention(t, store, StatusPending)

	status, err := recorder.Respond(context.Background(), "usr_a", iv.ID, ActionDismiss, nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if status != StatusDismissed {
		t.Fatalf("status = %s, want dismissed", status)
	}

	records, _ := feedback.ListByUser(context.Background(), "usr_a", 10)
	if len(records) != 1 || records[0].Outcome != OutcomeIneffective {
		t.Fatalf("feedback = %+v, want one ineffective record", records)
	}
}

// Snoozing is not a transition: the row stays pending with an
// incremented counter, and can be snoozed repeatedly.
func TestRespondSnoozeStaysPending(t *testing.T) {
	recorder, store, feedback := newRecorderFixture(t)
	iv := seedIntervention(t, store, StatusPending)

	for i := 1; i <= 3; i++ {
		status, err := recorder.Respond(context.Background(), "usr_a", iv.ID, ActionSnooze, nil)
		if err != nil {
			t.Fatalf("snooze %d: %v", i, err)
		}
		if status != StatusPending {
			t.Fatalf("snooze %d: status = %s, want pending", i, status)
		}
		stored, _ := store.Get(context.Background(), "usr_a", iv.ID)
		if stored.SnoozeCount != i {
			t.Fatalf("snooze %d: count = %d", i, stored.SnoozeCount)
		}
	}

	records, _ := feedback.ListByUser(context.Background(), "usr_a", 10)
	if len(records) != 3 {
		t.Fatalf("expected 3 ignored records, got %d", len(records))
	}
	for _, r := range records {
		if r.Outcome != OutcomeIgnored {
			t.Fatalf("outcome = %s, want ignored", r.Outcome)
		}
	}
}

func TestRespondActionTaken(t *testing.T) {
	recorder, store, _ := newRecorderFixture(t)
	iv := seedIntervention(t, store, StatusDelivered)

	status, err := recorder.Respond(context.Background(), "usr_a", iv.ID, ActionTaken,
		map[string]any{"screen": "home"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if status != StatusAcknowledged {
		t.Fatalf("status = %s, want acknowledged", status)
	}

	stored, _ := store.Get(context.Background(), "usr_a", iv.ID)
	if stored.Response["screen"] != "home" {
		t.Fatalf("response payload not stored: %+v", stored.Response)
	}
}

// Terminal statuses never move backward or sideways.
func TestRespondStatusMonotonic(t *testing.T) {
	recorder, store, _ := newRecorderFixture(t)

	for _, terminal := range []Status{StatusAcknowledged, StatusDismissed, StatusEscalated} {
		iv := seedIntervention(t, store, terminal)
		for _, action := range []string{ActionAcknowledge, ActionDismiss, ActionSnooze, ActionTaken} {
			_, err := recorder.Respond(context.Background(), "usr_a", iv.ID, action, nil)
			if !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("%s + %s: err = %v, want ErrIllegalTransition", terminal, action, err)
			}
		}
	}
}

func TestRespondWrongUser(t *testing.T) {
	recorder, store, _ := newRecorderFixture(t)
	iv := seedIntervention(t, store, StatusPending)

	_, err := recorder.Respond(context.Background(), "usr_other", iv.ID, ActionAcknowledge, nil)
	if !errors.Is(err, ErrInterventionNotFound) {
		t.Fatalf("err = %v, want ErrInterventionNotFound for foreign user", err)
	}
}

func TestRespondUnknownAction(t *testing.T) {
	recorder, store, _ := newRecorderFixture(t)
	iv := seedIntervention(t, store, StatusPending)

	if _, err := recorder.Respond(context.Background(), "usr_a", iv.ID, "shrug", nil); err == nil {
		t.Fatal("unknown action should be rejected")
	}
}
