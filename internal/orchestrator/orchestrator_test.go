package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/attnlabs/pacebreak/internal/event"
	"github.com/attnlabs/pacebreak/internal/guardian"
	"github.com/attnlabs/pacebreak/internal/idgen"
	"github.com/attnlabs/pacebreak/internal/intervention"
	"github.com/attnlabs/pacebreak/internal/policy"
	"github.com/attnlabs/pacebreak/internal/risk"
	"github.com/attnlabs/pacebreak/internal/session"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from   StateName
		event  string
		want   StateName
		wantOK bool
	}{
		{StateIdle, EvAppOpen, StateMonitoring, true},
		{StateIdle, EvSessionStart, StateMonitoring, true},
		{StateIdle, EvSessionEnd, StateIdle, false},
		{StateMonitoring, EvAppClose, StateIdle, true},
		{StateMonitoring, EvSessionEnd, StateIdle, true},
		{StateMonitoring, EvCriticalRisk, StateEscalating, true},
		{StateMonitoring, EvHighRisk, StateIntervening, true},
		{StateMonitoring, EvAppOpen, StateMonitoring, false},
		{StateIntervening, EvAcknowledged, StateMonitoring, true},
		{StateIntervening, EvDismissed, StateMonitoring, true},
		{StateIntervening, EvEscalation, StateEscalating, true},
		{StateIntervening, EvHighRisk, StateIntervening, false},
		{StateEscalating, EvParentNotified, StateMonitoring, true},
		{StateEscalating, EvCriticalRisk, StateEscalating, false},
		// app_close resets from anywhere.
		{StateIntervening, EvAppClose, StateIdle, true},
		{StateEscalating, EvAppClose, StateIdle, true},
		{StateIdle, EvAppClose, StateIdle, false},
	}
	for _, tc := range cases {
		got, ok := Next(tc.from, tc.event)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("Next(%s, %s) = (%s, %v), want (%s, %v)",
				tc.from, tc.event, got, ok, tc.want, tc.wantOK)
		}
	}
}

type fakeBroadcaster struct {
	mu            sync.Mutex
	riskPushes    []*risk.State
	interventions []*intervention.Intervention
}

func (b *fakeBroadcaster) PublishRiskState(userID string, st *risk.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.riskPushes = append(b.riskPushes, st)
}

func (b *fakeBroadcaster) PublishIntervention(userID string, iv *intervention.Intervention) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interventions = append(b.interventions, iv)
}

type runFixture struct {
	orch     *Orchestrator
	states   *MemoryStore
	events   *event.MemoryStore
	sessions *session.Registry
	ivStore  *intervention.MemoryStore
	fanout   *fakeBroadcaster
}

func newRunFixture(t *testing.T) *runFixture {
	t.Helper()
	ctx := context.Background()

	events := event.NewMemoryStore()
	sessions := session.NewRegistry(session.NewMemoryStore(), 5*time.Minute)
	policies := policy.NewResolver(policy.NewMemoryStore())
	if err := policies.SeedDefault(ctx, &policy.Policy{
		SessionLimitMinutes: 60,
		ReopenThreshold:     5,
		ScrollVelocityLimit: 1000,
		BedtimeStart:        "23:00",
		BedtimeEnd:          "06:00",
		Timezone:            "UTC",
		EscalationEnabled:   true,
	}); err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	engine := risk.NewEngine(risk.NewMemoryStateStore(), risk.NewMemoryHistoryStore(),
		events, sessions, policies, time.Hour)

	templates := intervention.NewMemoryTemplateStore()
	if err := intervention.SeedDefaults(ctx, templates); err != nil {
		t.Fatalf("seed templates: %v", err)
	}
	ivStore := intervention.NewMemoryStore()
	decider := intervention.NewDecider(templates, ivStore,
		guardian.NewResolver(guardian.NewMemoryStore()), policies, time.Hour)

	states := NewMemoryStore()
	fanout := &fakeBroadcaster{}
	return &runFixture{
		orch:     New(states, engine, decider, fanout),
		states:   states,
		events:   events,
		sessions: sessions,
		ivStore:  ivStore,
		fanout:   fanout,
	}
}

// A first app_open takes an unknown user from the implicit idle state to
// monitoring, scores low risk, and creates no intervention.
func TestRunAppOpenStartsMonitoring(t *testing.T) {
	f := newRunFixture(t)

	res := f.orch.Run(context.Background(), Input{UserID: "usr_a", EventType: EvAppOpen})
	if !res.Success {
		t.Fatalf("run failed: %+v", res.AgentResults)
	}
	if res.State != StateMonitoring {
		t.Fatalf("state = %s, want monitoring", res.State)
	}
	if res.RiskLevel != risk.LevelLow || res.Intervention != nil {
		t.Fatalf("fresh user should be low risk with no intervention, got %+v", res)
	}

	st, _ := f.states.Get(context.Background(), "usr_a")
	if st == nil || st.Current != StateMonitoring {
		t.Fatalf("agent state not persisted: %+v", st)
	}
	if st.StateData["last_event"] != EvAppOpen {
		t.Fatalf("state data = %+v", st.StateData)
	}
}

// High risk moves monitoring -> intervening and triggers an intervention
// that also reaches the fan-out.
func TestRunHighRiskIntervenes(t *testing.T) {
	f := newRunFixture(t)
	ctx := context.Background()
	now := time.Now()

	// Enough reopens for a 25 factor, a hot scroll for another 25: score 50.
	for i := 0; i < 15; i++ {
		_ = f.events.Insert(ctx, &event.Event{
			ID: idgen.WithPrefix(idgen.PrefixEvent), UserID: "usr_a", DeviceID: "dev_1",
			Type: event.TypeReopen, OccurredAt: now.Add(-10 * time.Minute),
		})
	}

	res := f.orch.Run(ctx, Input{
		UserID:    "usr_a",
		EventType: string(event.TypeScroll),
		EventData: map[string]any{"velocity": float64(2500)},
	})
	if !res.Success {
		t.Fatalf("run failed: %+v", res.AgentResults)
	}
	if res.RiskLevel != risk.LevelHigh {
		t.Fatalf("risk level = %s (score %d), want high", res.RiskLevel, res.RiskScore)
	}
	// The scroll event itself doesn't transition, and high risk only
	// fires from monitoring, so the machine stays idle here.
	if res.State != StateIdle {
		t.Fatalf("state = %s, want idle (no transition from idle on scroll)", res.State)
	}
	if res.Intervention == nil {
		t.Fatal("high risk should create an intervention")
	}
	if res.Intervention.Type != intervention.TypeMediumFriction {
		t.Fatalf("intervention type = %s, want medium_friction at score %d",
			res.Intervention.Type, res.RiskScore)
	}

	f.fanout.mu.Lock()
	defer f.fanout.mu.Unlock()
	if len(f.fanout.riskPushes) != 1 || len(f.fanout.interventions) != 1 {
		t.Fatalf("fanout pushes = %d risk, %d intervention; want 1 and 1",
			len(f.fanout.riskPushes), len(f.fanout.interventions))
	}
}

// From monitoring, high risk lands in intervening; an acknowledge brings
// it back to monitoring; app_close resets to idle.
func TestRunStateRoundTrip(t *testing.T) {
	f := newRunFixture(t)
	ctx := context.Background()
	now := time.Now()

	res := f.orch.Run(ctx, Input{UserID: "usr_a", EventType: EvAppOpen})
	if res.State != StateMonitoring {
		t.Fatalf("after app_open: %s", res.State)
	}

	for i := 0; i < 15; i++ {
		_ = f.events.Insert(ctx, &event.Event{
			ID: idgen.WithPrefix(idgen.PrefixEvent), UserID: "usr_a", DeviceID: "dev_1",
			Type: event.TypeReopen, OccurredAt: now.Add(-10 * time.Minute),
		})
	}
	res = f.orch.Run(ctx, Input{
		UserID:    "usr_a",
		EventType: string(event.TypeScroll),
		EventData: map[string]any{"velocity": float64(2500)},
	})
	if res.RiskLevel != risk.LevelHigh || res.State != StateIntervening {
		t.Fatalf("high risk from monitoring: level=%s state=%s", res.RiskLevel, res.State)
	}

	f.orch.HandleResponse(ctx, "usr_a", intervention.ActionAcknowledge)
	st, _ := f.states.Get(ctx, "usr_a")
	if st.Current != StateMonitoring {
		t.Fatalf("after acknowledge: %s, want monitoring", st.Current)
	}

	res = f.orch.Run(ctx, Input{UserID: "usr_a", EventType: EvAppClose})
	if res.State != StateIdle {
		t.Fatalf("after app_close: %s, want idle", res.State)
	}
}

// Repeated dismissals while intervening schedule an escalation: the
// machine lands in escalating and the state data records it.
func TestRunDismissalsEscalate(t *testing.T) {
	f := newRunFixture(t)
	ctx := context.Background()
	now := time.Now()

	if err := f.states.Upsert(ctx, &AgentState{
		UserID: "usr_a", Current: StateIntervening, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed agent state: %v", err)
	}

	// Two dismissed interventions inside the lookback window.
	for i := 0; i < 2; i++ {
		dismissed := now.Add(-10 * time.Minute)
		if err := f.ivStore.Insert(ctx, &intervention.Intervention{
			ID:          idgen.WithPrefix(idgen.PrefixIntervention),
			UserID:      "usr_a",
			Type:        intervention.TypeSoftNudge,
			Status:      intervention.StatusDismissed,
			CreatedAt:   now.Add(-20 * time.Minute),
			DismissedAt: &dismissed,
		}); err != nil {
			t.Fatalf("insert dismissed intervention: %v", err)
		}
	}

	// Reopens for 25 plus a warm scroll for 15: below critical even if
	// the run lands inside the bedtime window.
	for i := 0; i < 15; i++ {
		_ = f.events.Insert(ctx, &event.Event{
			ID: idgen.WithPrefix(idgen.PrefixEvent), UserID: "usr_a", DeviceID: "dev_1",
			Type: event.TypeReopen, OccurredAt: now.Add(-10 * time.Minute),
		})
	}
	res := f.orch.Run(ctx, Input{
		UserID:    "usr_a",
		EventType: string(event.TypeScroll),
		EventData: map[string]any{"velocity": float64(1600)},
	})
	if !res.Success {
		t.Fatalf("run failed: %+v", res.AgentResults)
	}
	if res.RiskLevel == risk.LevelCritical {
		t.Fatalf("risk level = critical (score %d), escalation needs a sub-critical level", res.RiskScore)
	}
	if res.State != StateEscalating {
		t.Fatalf("state = %s, want escalating", res.State)
	}

	st, _ := f.states.Get(ctx, "usr_a")
	if st.Current != StateEscalating {
		t.Fatalf("persisted state = %s, want escalating", st.Current)
	}
	if st.StateData["escalation_scheduled"] != true {
		t.Fatalf("state data = %+v, want escalation_scheduled", st.StateData)
	}
}

// A failed stage is caught, logged into the summary, and the run still
// persists the agent state and reports partial success.
func TestRunStageFailureIsIsolated(t *testing.T) {
	f := newRunFixture(t)
	ctx := context.Background()

	// An engine with no default policy seeded fails its risk stage.
	engine := risk.NewEngine(risk.NewMemoryStateStore(), risk.NewMemoryHistoryStore(),
		f.events, f.sessions, policy.NewResolver(policy.NewMemoryStore()), time.Hour)
	orch := New(f.states, engine, nil, nil)

	res := orch.Run(ctx, Input{UserID: "usr_a", EventType: EvAppOpen})
	if res.Success {
		t.Fatal("run with failing risk stage should not report full success")
	}
	if res.State != StateMonitoring {
		t.Fatalf("event transition must still apply, got %s", res.State)
	}

	st, _ := f.states.Get(ctx, "usr_a")
	if st == nil || st.Current != StateMonitoring {
		t.Fatalf("agent state must persist despite stage failure: %+v", st)
	}

	found := false
	for _, sr := range res.AgentResults {
		if sr.Stage == "risk" && !sr.Success && sr.Error != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("risk stage failure not recorded: %+v", res.AgentResults)
	}
}
