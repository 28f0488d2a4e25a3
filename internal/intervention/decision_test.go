package intervention

import (
	"context"
	"testing"
	"time"

	"github.com/attnlabs/pacebreak/internal/guardian"
	"github.com/attnlabs/pacebreak/internal/idgen"
	"github.com/attnlabs/pacebreak/internal/policy"
	"github.com/attnlabs/pacebreak/internal/risk"
)

type deciderFixture struct {
	decider   *Decider
	templates *MemoryTemplateStore
	store     *MemoryStore
	guardians *guardian.MemoryStore
	policies  *policy.Resolver
}

func newDeciderFixture(t *testing.T) *deciderFixture {
	t.Helper()

	templates := NewMemoryTemplateStore()
	if err := SeedDefaults(context.Background(), templates); err != nil {
		t.Fatalf("seed templates: %v", err)
	}

	store := NewMemoryStore()
	guardians := guardian.NewMemoryStore()
	policies := policy.NewResolver(policy.NewMemoryStore())
	if err := policies.SeedDefault(context.Background(), &policy.Policy{
		SessionLimitMinutes: 60,
		ReopenThreshold:     5,
		ScrollVelocityLimit: 1000,
		BedtimeStart:        "23:00",
		BedtimeEnd:          "06:00",
		Timezone:            "UTC",
		EscalationEnabled:   true,
	}); err != nil {
		t.Fatalf("seed default policy: %v", err)
	}

	return &deciderFixture{
		decider:   NewDecider(templates, store, guardian.NewResolver(guardians), policies, time.Hour),
		templates: templates,
		store:     store,
		guardians: guardians,
		policies:  policies,
	}
}

func TestAllowedTypesByLevel(t *testing.T) {
	if got := AllowedTypes(risk.LevelLow); len(got) != 0 {
		t.Fatalf("low should allow nothing, got %v", got)
	}
	if got := AllowedTypes(risk.LevelMedium); len(got) != 1 || got[0] != TypeSoftNudge {
		t.Fatalf("medium should allow only soft_nudge, got %v", got)
	}
	if got := AllowedTypes(risk.LevelHigh); len(got) != 2 {
		t.Fatalf("high should allow soft_nudge and medium_friction, got %v", got)
	}
	if got := AllowedTypes(risk.LevelCritical); len(got) != 3 {
		t.Fatalf("critical should allow three types, got %v", got)
	}
}

func TestDecideLowRiskNoIntervention(t *testing.T) {
	f := newDeciderFixture(t)

	d, err := f.decider.Decide(context.Background(), DecisionInput{
		UserID: "usr_a", Level: risk.LevelLow, Score: 10,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Triggered || d.Intervention != nil {
		t.Fatalf("low risk must not trigger, got %+v", d)
	}
}

// Medium risk at score 40 creates a pending soft_nudge.
func TestDecideMediumCreatesSoftNudge(t *testing.T) {
	f := newDeciderFixture(t)

	d, err := f.decider.Decide(context.Background(), DecisionInput{
		UserID: "usr_a", SessionID: "ses_1", Level: risk.LevelMedium, Score: 40,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.Triggered || d.Intervention == nil {
		t.Fatal("medium risk should trigger")
	}
	if d.Intervention.Type != TypeSoftNudge || d.Intervention.Status != StatusPending {
		t.Fatalf("got %s/%s, want soft_nudge/pending", d.Intervention.Type, d.Intervention.Status)
	}
	if d.Intervention.RiskScore != 40 || d.Intervention.RiskLevel != risk.LevelMedium {
		t.Fatalf("risk snapshot = %d/%s", d.Intervention.RiskScore, d.Intervention.RiskLevel)
	}
}

// Score 80 critical with a medium_friction from 2 minutes ago still
// cooling down for 30 minutes: medium_friction is excluded, and
// hard_block wins over parent_alert because it sits higher in template
// order and its score gate (>= 50) passes first.
func TestDecideCooldownExclusion(t *testing.T) {
	f := newDeciderFixture(t)
	ctx := context.Background()
	now := time.Now()

	// Existing delivered medium_friction from 2 minutes ago.
	templates, _ := f.templates.ListActiveByTypes(ctx, []Type{TypeMediumFriction})
	created := now.Add(-2 * time.Minute)
	deliveredAt := created
	if err := f.store.Insert(ctx, &Intervention{
		ID:          idgen.WithPrefix(idgen.PrefixIntervention),
		UserID:      "usr_a",
		TemplateID:  templates[0].ID,
		Type:        TypeMediumFriction,
		Status:      StatusDelivered,
		RiskLevel:   risk.LevelHigh,
		RiskScore:   55,
		CreatedAt:   created,
		DeliveredAt: &deliveredAt,
	}); err != nil {
		t.Fatalf("insert existing: %v", err)
	}

	d, err := f.decider.Decide(ctx, DecisionInput{
		UserID: "usr_a", Level: risk.LevelCritical, Score: 80, Now: now,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.Triggered {
		t.Fatal("critical risk should still trigger with remaining types")
	}
	if d.Intervention.Type == TypeMediumFriction {
		t.Fatal("medium_friction must be excluded while cooling down")
	}
	if d.Intervention.Type != TypeHardBlock {
		t.Fatalf("got %s, want hard_block at score 80", d.Intervention.Type)
	}
	if d.Intervention.Status != StatusPending {
		t.Fatalf("hard_block should be created pending, got %s", d.Intervention.Status)
	}
}

// After the cooldown window passes, the type becomes eligible again.
func TestDecideCooldownExpires(t *testing.T) {
	f := newDeciderFixture(t)
	ctx := context.Background()
	now := time.Now()

	templates, _ := f.templates.ListActiveByTypes(ctx, []Type{TypeSoftNudge})
	if err := f.store.Insert(ctx, &Intervention{
		ID:         idgen.WithPrefix(idgen.PrefixIntervention),
		UserID:     "usr_a",
		TemplateID: templates[0].ID,
		Type:       TypeSoftNudge,
		Status:     StatusPending,
		RiskLevel:  risk.LevelMedium,
		RiskScore:  30,
		CreatedAt:  now.Add(-20 * time.Minute), // cooldown is 15
	}); err != nil {
		t.Fatalf("insert existing: %v", err)
	}

	d, err := f.decider.Decide(ctx, DecisionInput{
		UserID: "usr_a", Level: risk.LevelMedium, Score: 30, Now: now,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.Triggered || d.Intervention.Type != TypeSoftNudge {
		t.Fatalf("expired cooldown should re-allow soft_nudge, got %+v", d)
	}
}

// When every eligible type is cooling down, "no intervention" is the
// normal outcome.
func TestDecideAllCoolingDown(t *testing.T) {
	f := newDeciderFixture(t)
	ctx := context.Background()
	now := time.Now()

	templates, _ := f.templates.ListActiveByTypes(ctx, []Type{TypeSoftNudge})
	if err := f.store.Insert(ctx, &Intervention{
		ID:         idgen.WithPrefix(idgen.PrefixIntervention),
		UserID:     "usr_a",
		TemplateID: templates[0].ID,
		Type:       TypeSoftNudge,
		Status:     StatusPending,
		RiskLevel:  risk.LevelMedium,
		RiskScore:  30,
		CreatedAt:  now.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("insert existing: %v", err)
	}

	d, err := f.decider.Decide(ctx, DecisionInput{
		UserID: "usr_a", Level: risk.LevelMedium, Score: 30, Now: now,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Triggered {
		t.Fatalf("all types cooling down should yield no intervention, got %+v", d)
	}
}

// parent_alert fires once hard_block is cooling down, and a linked
// guardian upgrades it straight to delivered.
func TestDecideParentAlertWithGuardian(t *testing.T) {
	f := newDeciderFixture(t)
	ctx := context.Background()
	now := time.Now()

	if err := f.guardians.Create(ctx, &guardian.Link{
		ID: idgen.WithPrefix(idgen.PrefixGuardian), UserID: "usr_a",
		Name: "Jamie", Email: "jamie@example.com", Active: true, CreatedAt: now,
	}); err != nil {
		t.Fatalf("create guardian: %v", err)
	}

	// Recent hard_block and medium_friction still cooling down.
	for _, typ := range []Type{TypeHardBlock, TypeMediumFriction} {
		templates, _ := f.templates.ListActiveByTypes(ctx, []Type{typ})
		if err := f.store.Insert(ctx, &Intervention{
			ID: idgen.WithPrefix(idgen.PrefixIntervention), UserID: "usr_a",
			TemplateID: templates[0].ID, Type: typ, Status: StatusDelivered,
			RiskLevel: risk.LevelCritical, RiskScore: 80,
			CreatedAt: now.Add(-5 * time.Minute),
		}); err != nil {
			t.Fatalf("insert cooling %s: %v", typ, err)
		}
	}

	d, err := f.decider.Decide(ctx, DecisionInput{
		UserID: "usr_a", Level: risk.LevelCritical, Score: 90, Now: now,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Intervention == nil || d.Intervention.Type != TypeParentAlert {
		t.Fatalf("score 90 with blocks cooling should select parent_alert, got %+v", d)
	}
	if d.Intervention.Status != StatusDelivered || !d.ParentNotified || d.Intervention.DeliveredAt == nil {
		t.Fatalf("guardian present: alert should be delivered, got %+v", d.Intervention)
	}
}

// Without a guardian link the alert stays pending.
func TestDecideParentAlertWithoutGuardian(t *testing.T) {
	f := newDeciderFixture(t)
	ctx := context.Background()
	now := time.Now()

	for _, typ := range []Type{TypeHardBlock, TypeMediumFriction} {
		templates, _ := f.templates.ListActiveByTypes(ctx, []Type{typ})
		if err := f.store.Insert(ctx, &Intervention{
			ID: idgen.WithPrefix(idgen.PrefixIntervention), UserID: "usr_a",
			TemplateID: templates[0].ID, Type: typ, Status: StatusDelivered,
			RiskLevel: risk.LevelCritical, RiskScore: 80,
			CreatedAt: now.Add(-5 * time.Minute),
		}); err != nil {
			t.Fatalf("insert cooling %s: %v", typ, err)
		}
	}

	d, err := f.decider.Decide(ctx, DecisionInput{
		UserID: "usr_a", Level: risk.LevelCritical, Score: 90, Now: now,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Intervention == nil || d.Intervention.Type != TypeParentAlert {
		t.Fatalf("expected parent_alert, got %+v", d)
	}
	if d.Intervention.Status != StatusPending || d.ParentNotified {
		t.Fatalf("no guardian: alert must stay pending, got %s notified=%v",
			d.Intervention.Status, d.ParentNotified)
	}
}

// Two dismissals inside the window schedule an escalation when policy
// enables it and the level is below critical.
func TestDecideEscalationScheduled(t *testing.T) {
	f := newDeciderFixture(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		dismissedAt := now.Add(-time.Duration(10+i) * time.Minute)
		if err := f.store.Insert(ctx, &Intervention{
			ID:          idgen.WithPrefix(idgen.PrefixIntervention),
			UserID:      "usr_a",
			TemplateID:  "tpl_x",
			Type:        TypeSoftNudge,
			Status:      StatusDismissed,
			RiskLevel:   risk.LevelMedium,
			RiskScore:   30,
			CreatedAt:   dismissedAt,
			DismissedAt: &dismissedAt,
		}); err != nil {
			t.Fatalf("insert dismissed: %v", err)
		}
	}

	d, err := f.decider.Decide(ctx, DecisionInput{
		UserID: "usr_a", Level: risk.LevelHigh, Score: 55, Now: now,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !d.EscalationScheduled {
		t.Fatal("two recent dismissals should schedule escalation")
	}

	// Already critical: never scheduled, escalation is moot.
	d2, err := f.decider.Decide(ctx, DecisionInput{
		UserID: "usr_a", Level: risk.LevelCritical, Score: 80, Now: now,
	})
	if err != nil {
		t.Fatalf("decide critical: %v", err)
	}
	if d2.EscalationScheduled {
		t.Fatal("critical level must not schedule escalation")
	}
}

func TestDecideEscalationDisabledByPolicy(t *testing.T) {
	f := newDeciderFixture(t)
	ctx := context.Background()
	now := time.Now()

	if err := f.policies.Put(ctx, &policy.Policy{
		UserID:              "usr_a",
		SessionLimitMinutes: 60,
		ReopenThreshold:     5,
		ScrollVelocityLimit: 1000,
		BedtimeStart:        "23:00",
		BedtimeEnd:          "06:00",
		Timezone:            "UTC",
		EscalationEnabled:   false,
	}); err != nil {
		t.Fatalf("put policy: %v", err)
	}

	for i := 0; i < 3; i++ {
		dismissedAt := now.Add(-5 * time.Minute)
		if err := f.store.Insert(ctx, &Intervention{
			ID: idgen.WithPrefix(idgen.PrefixIntervention), UserID: "usr_a",
			TemplateID: "tpl_x", Type: TypeSoftNudge, Status: StatusDismissed,
			RiskLevel: risk.LevelMedium, RiskScore: 30,
			CreatedAt: dismissedAt, DismissedAt: &dismissedAt,
		}); err != nil {
			t.Fatalf("insert dismissed: %v", err)
		}
	}

	d, err := f.decider.Decide(ctx, DecisionInput{
		UserID: "usr_a", Level: risk.LevelHigh, Score: 55, Now: now,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.EscalationScheduled {
		t.Fatal("escalation disabled by policy must not schedule")
	}
}

// While the machine is escalating, a sub-critical level is handled at
// the critical tier: the critical type set applies and no further
// escalation is scheduled.
func TestDecideEscalatingStateBiasesCritical(t *testing.T) {
	f := newDeciderFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		dismissedAt := now.Add(-time.Duration(10+i) * time.Minute)
		if err := f.store.Insert(ctx, &Intervention{
			ID:          idgen.WithPrefix(idgen.PrefixIntervention),
			UserID:      "usr_a",
			TemplateID:  "tpl_x",
			Type:        TypeSoftNudge,
			Status:      StatusDismissed,
			RiskLevel:   risk.LevelMedium,
			RiskScore:   30,
			CreatedAt:   dismissedAt,
			DismissedAt: &dismissedAt,
		}); err != nil {
			t.Fatalf("insert dismissed: %v", err)
		}
	}

	// Control: the same level and score outside the escalating state
	// stay in the high tier and schedule escalation.
	d, err := f.decider.Decide(ctx, DecisionInput{
		UserID: "usr_a", Level: risk.LevelHigh, Score: 60, Now: now,
	})
	if err != nil {
		t.Fatalf("decide high: %v", err)
	}
	if d.Intervention == nil || d.Intervention.Type != TypeMediumFriction {
		t.Fatalf("high tier decision = %+v, want medium_friction", d.Intervention)
	}
	if !d.EscalationScheduled {
		t.Fatal("two recent dismissals should schedule escalation")
	}

	// Escalating machine: the critical type set applies.
	d, err = f.decider.Decide(ctx, DecisionInput{
		UserID: "usr_a", Level: risk.LevelHigh, Score: 60,
		CurrentState: "escalating", Now: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("decide escalating: %v", err)
	}
	if d.Intervention == nil || d.Intervention.Type != TypeHardBlock {
		t.Fatalf("escalating decision = %+v, want hard_block", d.Intervention)
	}
	if d.EscalationScheduled {
		t.Fatal("an escalating machine must not schedule again")
	}
}
