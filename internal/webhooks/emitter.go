package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/attnlabs/pacebreak/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pacebreak",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pacebreak",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit pipeline lifecycle events.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(userID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "user", userID, "error", err)
	}
}

// --- Risk events ---

// EmitRiskLevelChanged emits a risk.level_changed event.
func (e *Emitter) EmitRiskLevelChanged(userID, previous, current string, score int) {
	e.emit(userID, EventRiskLevelChanged, map[string]interface{}{
		"userId":        userID,
		"previousLevel": previous,
		"newLevel":      current,
		"score":         score,
	})
}

// --- Intervention events ---

// EmitInterventionCreated emits an intervention.created event.
func (e *Emitter) EmitInterventionCreated(userID, interventionID, kind, level string, score int) {
	e.emit(userID, EventInterventionCreated, map[string]interface{}{
		"userId":         userID,
		"interventionId": interventionID,
		"type":           kind,
		"riskLevel":      level,
		"riskScore":      score,
	})
}

// EmitInterventionEscalated emits an intervention.escalated event.
// Guardian-side services subscribe to this to deliver parent alerts.
func (e *Emitter) EmitInterventionEscalated(userID, interventionID string) {
	e.emit(userID, EventInterventionEscalated, map[string]interface{}{
		"userId":         userID,
		"interventionId": interventionID,
	})
}

// --- Session events ---

// EmitSessionStarted emits a session.started event.
func (e *Emitter) EmitSessionStarted(userID, sessionID, deviceID string) {
	e.emit(userID, EventSessionStarted, map[string]interface{}{
		"userId":    userID,
		"sessionId": sessionID,
		"deviceId":  deviceID,
	})
}

// EmitSessionEnded emits a session.ended event.
func (e *Emitter) EmitSessionEnded(userID, sessionID string, durationSeconds, reopenCount int) {
	e.emit(userID, EventSessionEnded, map[string]interface{}{
		"userId":          userID,
		"sessionId":       sessionID,
		"durationSeconds": durationSeconds,
		"reopenCount":     reopenCount,
	})
}
