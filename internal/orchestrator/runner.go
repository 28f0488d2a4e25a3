package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/attnlabs/pacebreak/internal/intervention"
	"github.com/attnlabs/pacebreak/internal/logging"
	"github.com/attnlabs/pacebreak/internal/metrics"
	"github.com/attnlabs/pacebreak/internal/risk"
	"github.com/attnlabs/pacebreak/internal/traces"
)

// Broadcaster pushes pipeline outputs to connected clients. Delivery is
// at-most-once; a missing subscriber drops the message.
type Broadcaster interface {
	PublishRiskState(userID string, st *risk.State)
	PublishIntervention(userID string, iv *intervention.Intervention)
}

// Notifier receives pipeline lifecycle notifications for delivery to
// external endpoints. Implementations must not block.
type Notifier interface {
	EmitRiskLevelChanged(userID, previous, current string, score int)
	EmitInterventionCreated(userID, interventionID, kind, level string, score int)
	EmitInterventionEscalated(userID, interventionID string)
}

// Input is one orchestrator invocation.
type Input struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
}

// StageResult records one sub-stage's outcome for the run summary.
type StageResult struct {
	Stage      string `json:"stage"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Result is the best-effort summary of one run.
type Result struct {
	Success         bool                       `json:"success"`
	State           StateName                  `json:"state"`
	RiskLevel       risk.Level                 `json:"risk_level,omitempty"`
	RiskScore       int                        `json:"risk_score"`
	Intervention    *intervention.Intervention `json:"intervention,omitempty"`
	AgentResults    []StageResult              `json:"agent_results"`
	ExecutionTimeMs int64                      `json:"execution_time_ms"`
}

// Orchestrator drives one pipeline run per incoming event.
type Orchestrator struct {
	states  Store
	engine  *risk.Engine
	decider *intervention.Decider
	fanout  Broadcaster // optional
	hooks   Notifier    // optional
}

// New creates an orchestrator over the given collaborators. fanout may
// be nil when no realtime surface is attached.
func New(states Store, engine *risk.Engine, decider *intervention.Decider, fanout Broadcaster) *Orchestrator {
	return &Orchestrator{states: states, engine: engine, decider: decider, fanout: fanout}
}

// SetNotifier attaches a lifecycle notifier, typically the webhook emitter.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.hooks = n
}

// Run executes one pipeline invocation: load or default the agent state,
// apply the event transition, score risk, decide on an intervention, fan
// out, and persist the new state unconditionally. Stage failures are
// caught and logged independently; the summary is always returned.
func (o *Orchestrator) Run(ctx context.Context, in Input) *Result {
	started := time.Now()
	log := logging.L(ctx).With("user_id", in.UserID, "event_type", in.EventType)

	ctx, span := traces.StartSpan(ctx, "orchestrator.run",
		traces.UserID(in.UserID), traces.EventType(in.EventType))
	defer span.End()

	res := &Result{Success: true}
	escalated := false

	st := o.loadState(ctx, in.UserID)
	res.State = st.Current

	// Event-driven transition, applied before any evaluation.
	if next, ok := Next(st.Current, in.EventType); ok {
		log.Info("state transition", "from", st.Current, "to", next, "trigger", in.EventType)
		st.Current = next
		res.State = next
	}

	eval := o.riskStage(ctx, in, res, log)
	if eval != nil {
		res.RiskLevel = eval.Level
		res.RiskScore = eval.Score

		if eval.LevelChanged && o.hooks != nil {
			o.hooks.EmitRiskLevelChanged(in.UserID, string(eval.PreviousLevel), string(eval.Level), eval.Score)
		}

		// Risk-driven transitions only fire while monitoring.
		switch eval.Level {
		case risk.LevelCritical:
			o.transition(st, EvCriticalRisk, res, log)
		case risk.LevelHigh:
			o.transition(st, EvHighRisk, res, log)
		}

		decision := o.decisionStage(ctx, in, st, eval, res, log)
		if decision != nil {
			res.Intervention = decision.Intervention
			if decision.EscalationScheduled {
				o.transition(st, EvEscalation, res, log)
				escalated = true
			}
			if decision.ParentNotified {
				o.transition(st, EvParentNotified, res, log)
			}
			if o.hooks != nil && decision.Intervention != nil {
				iv := decision.Intervention
				o.hooks.EmitInterventionCreated(in.UserID, iv.ID, string(iv.Type), string(iv.RiskLevel), iv.RiskScore)
				if decision.ParentNotified {
					o.hooks.EmitInterventionEscalated(in.UserID, iv.ID)
				}
			}
		}

		o.fanoutStage(ctx, in, eval, res, log)
	}

	// Intervention responses arrive as their own machine events.
	if in.EventType == EvAcknowledged || in.EventType == EvDismissed {
		o.transition(st, in.EventType, res, log)
	}

	st.StateData = map[string]any{
		"last_event": in.EventType,
	}
	if eval != nil {
		st.StateData["risk_score"] = eval.Score
		st.StateData["risk_level"] = string(eval.Level)
	}
	if escalated {
		st.StateData["escalation_scheduled"] = true
	}
	st.UpdatedAt = time.Now()
	if err := o.states.Upsert(ctx, st); err != nil {
		res.Success = false
		res.AgentResults = append(res.AgentResults, StageResult{
			Stage: "persist_state", Error: err.Error(),
		})
		log.Error("persist agent state failed", "error", err)
	}

	res.ExecutionTimeMs = time.Since(started).Milliseconds()
	metrics.OrchestratorRunsTotal.WithLabelValues(outcomeLabel(res)).Inc()
	log.Info("orchestrator run complete",
		"state", res.State,
		"risk_level", res.RiskLevel,
		"risk_score", res.RiskScore,
		"intervention", res.Intervention != nil,
		"duration_ms", res.ExecutionTimeMs)
	return res
}

// HandleResponse advances the machine after a user responds to an
// intervention, outside the device-event path.
func (o *Orchestrator) HandleResponse(ctx context.Context, userID, action string) {
	machineEvent := ""
	switch action {
	case intervention.ActionAcknowledge, intervention.ActionTaken:
		machineEvent = EvAcknowledged
	case intervention.ActionDismiss:
		machineEvent = EvDismissed
	default:
		return // snooze keeps the machine where it is
	}

	st := o.loadState(ctx, userID)
	next, ok := Next(st.Current, machineEvent)
	if !ok {
		return
	}
	st.Current = next
	st.StateData = map[string]any{"last_event": machineEvent}
	st.UpdatedAt = time.Now()
	if err := o.states.Upsert(ctx, st); err != nil {
		logging.L(ctx).Error("persist agent state failed", "user_id", userID, "error", err)
	}
}

// State returns the user's agent state, defaulting to idle.
func (o *Orchestrator) State(ctx context.Context, userID string) (*AgentState, error) {
	st, err := o.states.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &AgentState{UserID: userID, Current: StateIdle}
	}
	return st, nil
}

func (o *Orchestrator) loadState(ctx context.Context, userID string) *AgentState {
	st, err := o.states.Get(ctx, userID)
	if err != nil {
		logging.L(ctx).Error("load agent state failed", "user_id", userID, "error", err)
	}
	if st == nil {
		st = &AgentState{UserID: userID, Current: StateIdle}
	}
	return st
}

func (o *Orchestrator) transition(st *AgentState, machineEvent string, res *Result, log logger) {
	if next, ok := Next(st.Current, machineEvent); ok {
		log.Info("state transition", "from", st.Current, "to", next, "trigger", machineEvent)
		st.Current = next
		res.State = next
	}
}

// riskStage runs the risk engine; a failure is recorded and nils out the
// rest of the evaluation chain without failing the run.
func (o *Orchestrator) riskStage(ctx context.Context, in Input, res *Result, log logger) *risk.Evaluation {
	eval, err := runStage(ctx, "risk", res, log, func(ctx context.Context) (*risk.Evaluation, error) {
		return o.engine.Evaluate(ctx, risk.Input{
			UserID:    in.UserID,
			SessionID: in.SessionID,
			EventType: in.EventType,
			EventData: in.EventData,
		})
	})
	if err != nil {
		return nil
	}
	return eval
}

func (o *Orchestrator) decisionStage(ctx context.Context, in Input, st *AgentState, eval *risk.Evaluation, res *Result, log logger) *intervention.Decision {
	decision, err := runStage(ctx, "decision", res, log, func(ctx context.Context) (*intervention.Decision, error) {
		return o.decider.Decide(ctx, intervention.DecisionInput{
			UserID:       in.UserID,
			SessionID:    in.SessionID,
			Level:        eval.Level,
			Score:        eval.Score,
			CurrentState: string(st.Current),
		})
	})
	if err != nil {
		return nil
	}
	return decision
}

func (o *Orchestrator) fanoutStage(ctx context.Context, in Input, eval *risk.Evaluation, res *Result, log logger) {
	if o.fanout == nil {
		return
	}
	_, _ = runStage(ctx, "fanout", res, log, func(ctx context.Context) (struct{}, error) {
		st, err := o.engine.State(ctx, in.UserID)
		if err == nil {
			o.fanout.PublishRiskState(in.UserID, st)
		}
		if res.Intervention != nil {
			o.fanout.PublishIntervention(in.UserID, res.Intervention)
		}
		return struct{}{}, err
	})
}

type logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// runStage wraps one sub-stage with panic recovery, timing, tracing, and
// the structured execution log.
func runStage[T any](ctx context.Context, name string, res *Result, log logger, fn func(context.Context) (T, error)) (out T, err error) {
	stageStart := time.Now()
	ctx, span := traces.StartSpan(ctx, "orchestrator."+name, traces.Stage(name))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panic: %v", r)
		}
		dur := time.Since(stageStart)
		metrics.OrchestratorStageDuration.WithLabelValues(name).Observe(dur.Seconds())

		sr := StageResult{Stage: name, Success: err == nil, DurationMs: dur.Milliseconds()}
		if err != nil {
			sr.Error = err.Error()
			res.Success = false
			log.Error("stage failed", "stage", name, "error", err, "duration_ms", sr.DurationMs)
		} else {
			log.Info("stage complete", "stage", name, "duration_ms", sr.DurationMs)
		}
		res.AgentResults = append(res.AgentResults, sr)
	}()

	return fn(ctx)
}

func outcomeLabel(res *Result) string {
	if res.Success {
		return "ok"
	}
	for _, sr := range res.AgentResults {
		if sr.Success {
			return "partial"
		}
	}
	return "failed"
}
