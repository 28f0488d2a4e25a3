// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/attnlabs/pacebreak/internal/auth"
	"github.com/attnlabs/pacebreak/internal/config"
	"github.com/attnlabs/pacebreak/internal/event"
	"github.com/attnlabs/pacebreak/internal/gateway"
	"github.com/attnlabs/pacebreak/internal/guardian"
	"github.com/attnlabs/pacebreak/internal/health"
	"github.com/attnlabs/pacebreak/internal/intervention"
	"github.com/attnlabs/pacebreak/internal/logging"
	"github.com/attnlabs/pacebreak/internal/metrics"
	"github.com/attnlabs/pacebreak/internal/orchestrator"
	"github.com/attnlabs/pacebreak/internal/policy"
	"github.com/attnlabs/pacebreak/internal/ratelimit"
	"github.com/attnlabs/pacebreak/internal/realtime"
	"github.com/attnlabs/pacebreak/internal/risk"
	"github.com/attnlabs/pacebreak/internal/security"
	"github.com/attnlabs/pacebreak/internal/session"
	"github.com/attnlabs/pacebreak/internal/traces"
	"github.com/attnlabs/pacebreak/internal/validation"
	"github.com/attnlabs/pacebreak/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	authMgr       *auth.Manager
	policies      *policy.Resolver
	sessions      *session.Registry
	events        event.Store
	engine        *risk.Engine
	guardians     guardian.Store
	templates     intervention.TemplateStore
	interventions intervention.Store
	decider       *intervention.Decider
	recorder      *intervention.Recorder
	orch          *orchestrator.Orchestrator
	ingest        *gateway.Service
	hub           *realtime.Hub
	hookStore     webhooks.Store
	hookEmitter   *webhooks.Emitter
	checks        *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	shutdownTrace func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	var (
		authStore     auth.Store
		policyStore   policy.Store
		sessionStore  session.Store
		riskStates    risk.StateStore
		riskHistory   risk.HistoryStore
		guardianStore guardian.Store
		templateStore intervention.TemplateStore
		intervStore   intervention.Store
		feedbackStore intervention.FeedbackStore
		agentStates   orchestrator.Store
		hookStore     webhooks.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgAuth := auth.NewPostgresStore(db)
		pgPolicy := policy.NewPostgresStore(db)
		pgSession := session.NewPostgresStore(db)
		pgEvents := event.NewPostgresStore(db)
		pgRiskStates := risk.NewPostgresStateStore(db)
		pgRiskHistory := risk.NewPostgresHistoryStore(db)
		pgGuardian := guardian.NewPostgresStore(db)
		pgTemplates := intervention.NewPostgresTemplateStore(db)
		pgInterv := intervention.NewPostgresStore(db)
		pgFeedback := intervention.NewPostgresFeedbackStore(db)
		pgAgentStates := orchestrator.NewPostgresStore(db)
		pgHooks := webhooks.NewPostgresStore(db)

		type migrator interface {
			Migrate(ctx context.Context) error
		}
		for _, m := range []migrator{
			pgAuth, pgPolicy, pgSession, pgEvents, pgRiskStates, pgRiskHistory,
			pgGuardian, pgTemplates, pgInterv, pgFeedback, pgAgentStates, pgHooks,
		} {
			if err := m.Migrate(ctx); err != nil {
				s.logger.Warn("store migration failed", "store", fmt.Sprintf("%T", m), "error", err)
			}
		}

		authStore = pgAuth
		policyStore = pgPolicy
		sessionStore = pgSession
		s.events = pgEvents
		riskStates = pgRiskStates
		riskHistory = pgRiskHistory
		guardianStore = pgGuardian
		templateStore = pgTemplates
		intervStore = pgInterv
		feedbackStore = pgFeedback
		agentStates = pgAgentStates
		hookStore = pgHooks

		s.checks.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		authStore = auth.NewMemoryStore()
		policyStore = policy.NewMemoryStore()
		sessionStore = session.NewMemoryStore()
		s.events = event.NewMemoryStore()
		riskStates = risk.NewMemoryStateStore()
		riskHistory = risk.NewMemoryHistoryStore()
		guardianStore = guardian.NewMemoryStore()
		templateStore = intervention.NewMemoryTemplateStore()
		intervStore = intervention.NewMemoryStore()
		feedbackStore = intervention.NewMemoryFeedbackStore()
		agentStates = orchestrator.NewMemoryStore()
		hookStore = webhooks.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore)
	s.policies = policy.NewResolver(policyStore)
	s.sessions = session.NewRegistry(sessionStore, cfg.SessionIdleTimeout)
	s.guardians = guardianStore
	s.templates = templateStore
	s.interventions = intervStore

	// System default policy comes from configuration; user rows override it.
	if err := s.policies.SeedDefault(ctx, &policy.Policy{
		SessionLimitMinutes:    cfg.DefaultSessionLimitMinutes,
		ReopenThreshold:        cfg.DefaultReopenThreshold,
		ScrollVelocityLimit:    cfg.DefaultScrollVelocityLimit,
		BedtimeStart:           cfg.DefaultBedtimeStart,
		BedtimeEnd:             cfg.DefaultBedtimeEnd,
		Timezone:               cfg.DefaultTimezone,
		EscalationEnabled:      true,
		EscalationDelayMinutes: cfg.DefaultEscalationDelayMin,
	}); err != nil {
		return nil, fmt.Errorf("failed to seed default policy: %w", err)
	}

	if err := intervention.SeedDefaults(ctx, templateStore); err != nil {
		s.logger.Warn("failed to seed intervention templates", "error", err)
	}

	// Realtime hub for per-user WebSocket streaming
	s.hub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Risk engine and intervention decisioning
	s.engine = risk.NewEngine(riskStates, riskHistory, s.events, s.sessions, s.policies, cfg.RiskEvaluationWindow)
	s.decider = intervention.NewDecider(templateStore, intervStore,
		guardian.NewResolver(guardianStore), s.policies, cfg.RiskEvaluationWindow)
	s.recorder = intervention.NewRecorder(intervStore, feedbackStore)

	// Outbound webhooks for risk, intervention, and session events.
	s.hookStore = hookStore
	s.hookEmitter = webhooks.NewEmitter(webhooks.NewDispatcher(hookStore), s.logger)

	// Orchestrator ties evaluation, decisioning, fan-out, and the per-user
	// state machine together; the gateway dispatches into it per event.
	s.orch = orchestrator.New(agentStates, s.engine, s.decider, s.hub)
	s.orch.SetNotifier(s.hookEmitter)
	s.ingest = gateway.NewService(s.events, s.sessions, s.orch)
	s.ingest.SetNotifier(s.hookEmitter)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// WebSocket for real-time per-user streaming. The connection is
	// authenticated with the same API key as the REST surface; browser
	// clients cannot set headers on a WebSocket handshake, so the key is
	// also accepted as a token query parameter.
	s.router.GET("/ws", auth.Middleware(s.authMgr), func(c *gin.Context) {
		userID := auth.UserID(c)
		if userID == "" {
			if token := c.Query("token"); token != "" {
				if key, err := s.authMgr.ValidateKey(c.Request.Context(), token); err == nil {
					userID = key.UserID
				}
			}
		}
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required to subscribe",
			})
			return
		}
		s.hub.HandleWebSocket(userID, c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	authHandler := auth.NewHandler(s.authMgr)

	// PUBLIC ROUTES (no auth required)
	// Registration returns the API key; everything else requires it.
	v1.POST("/users", authHandler.Register)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		protected.GET("/users/me", authHandler.Me)
		protected.POST("/users/me/keys/rotate", authHandler.RotateKey)

		gateway.NewHandler(s.ingest, s.sessions).RegisterProtectedRoutes(protected)
		risk.NewHandler(s.engine).RegisterProtectedRoutes(protected)
		policy.NewHandler(s.policies).RegisterProtectedRoutes(protected)
		guardian.NewHandler(s.guardians).RegisterProtectedRoutes(protected)
		orchestrator.NewHandler(s.orch).RegisterProtectedRoutes(protected)

		intervHandler := intervention.NewHandler(s.interventions, s.recorder)
		intervHandler.OnRespond(func(userID, interventionID, action string) {
			// Feed the response back into the state machine so an
			// acknowledged or dismissed intervention releases the
			// intervening state.
			s.orch.HandleResponse(context.Background(), userID, action)
		})
		intervHandler.RegisterProtectedRoutes(protected)

		webhooks.NewHandler(s.hookStore).RegisterProtectedRoutes(protected)

		protected.GET("/stats", s.statsHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Pacebreak",
		"description": "Behavioral risk orchestration for screen-time wellbeing",
		"version":     "0.1.0",
	})
}

// statsHandler returns a per-user overview: agent state, risk state, open
// interventions, and realtime connection stats.
func (s *Server) statsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	userID := auth.UserID(c)

	overview := gin.H{
		"realtime": s.hub.Stats(),
	}

	if st, err := s.orch.State(ctx, userID); err == nil {
		overview["agent_state"] = st
	}
	if rs, err := s.engine.State(ctx, userID); err == nil {
		overview["risk"] = rs
	}
	if open, err := s.interventions.ListOpenByUser(ctx, userID); err == nil {
		overview["open_interventions"] = len(open)
	}

	c.JSON(http.StatusOK, overview)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Traces (optional, OTLP endpoint from env)
	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.shutdownTrace = shutdown
		}
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Periodic DB pool stats
	if s.db != nil {
		go metrics.CollectDBStats(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (hub, db stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
