// Package metrics provides Prometheus instrumentation for the Pacebreak backend.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacebreak",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pacebreak",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsIngestedTotal counts behavioral events accepted by the gateway.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacebreak",
			Name:      "events_ingested_total",
			Help:      "Total behavioral events ingested by event type.",
		},
		[]string{"event_type"},
	)

	// SessionsStartedTotal counts cold-start sessions.
	SessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pacebreak",
			Name:      "sessions_started_total",
			Help:      "Total sessions created on cold start.",
		},
	)

	// SessionReopensTotal counts warm starts on an already-active session.
	SessionReopensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pacebreak",
			Name:      "session_reopens_total",
			Help:      "Total reopen events folded into an active session.",
		},
	)

	// OrchestratorRunsTotal counts orchestrator invocations by outcome.
	OrchestratorRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacebreak",
			Name:      "orchestrator_runs_total",
			Help:      "Total orchestrator runs by outcome (ok, partial, failed).",
		},
		[]string{"outcome"},
	)

	// OrchestratorStageDuration observes per-stage latency inside a run.
	OrchestratorStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pacebreak",
			Name:      "orchestrator_stage_duration_seconds",
			Help:      "Duration of each orchestrator stage in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"stage"},
	)

	// RiskLevelChangesTotal counts risk level transitions by new level.
	RiskLevelChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacebreak",
			Name:      "risk_level_changes_total",
			Help:      "Total risk level changes by resulting level.",
		},
		[]string{"level"},
	)

	// InterventionsTotal counts interventions created by type.
	InterventionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacebreak",
			Name:      "interventions_total",
			Help:      "Total interventions created by type.",
		},
		[]string{"type"},
	)

	// InterventionResponsesTotal counts user responses by action.
	InterventionResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacebreak",
			Name:      "intervention_responses_total",
			Help:      "Total intervention responses by action.",
		},
		[]string{"action"},
	)

	// ActiveWebSocketClients tracks connected realtime clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pacebreak",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pacebreak", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pacebreak", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pacebreak", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pacebreak", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsIngestedTotal,
		SessionsStartedTotal,
		SessionReopensTotal,
		OrchestratorRunsTotal,
		OrchestratorStageDuration,
		RiskLevelChangesTotal,
		InterventionsTotal,
		InterventionResponsesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Use the route pattern, not the raw path, to bound cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := statusLabel(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		GoroutineCount.Set(float64(runtime.NumGoroutine()))
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// CollectDBStats starts a loop copying database pool stats into gauges.
// Returns when ctx is cancelled.
func CollectDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
		}
	}
}

func statusLabel(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
