// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)

	// Security
	RateLimitRPM   int      // Requests per minute per client IP
	AllowedOrigins []string // CORS origins; "*" in development

	// Default behavioral policy (used when a user has no policy row)
	DefaultSessionLimitMinutes  int
	DefaultReopenThreshold      int
	DefaultScrollVelocityLimit  float64
	DefaultBedtimeStart         string // "HH:MM", user-local
	DefaultBedtimeEnd           string
	DefaultTimezone             string // IANA name, e.g. "America/New_York"
	DefaultEscalationDelayMin   int
	SessionIdleTimeout          time.Duration // background-then-timeout session close
	RiskEvaluationWindow        time.Duration // rolling window for event aggregation
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultRateLimit           = 120
	DefaultSessionLimit        = 60 // minutes
	DefaultReopenLimit         = 5  // reopens per hour
	DefaultScrollVelocity      = 1000.0
	DefaultBedtimeStartHHMM    = "23:00"
	DefaultBedtimeEndHHMM      = "06:00"
	DefaultTZ                  = "UTC"
	DefaultEscalationDelay     = 15 // minutes
	DefaultIdleTimeout         = 5 * time.Minute
	DefaultEvaluationWindow    = time.Hour
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM: getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),

		DefaultSessionLimitMinutes: getEnvInt("DEFAULT_SESSION_LIMIT_MINUTES", DefaultSessionLimit),
		DefaultReopenThreshold:     getEnvInt("DEFAULT_REOPEN_THRESHOLD", DefaultReopenLimit),
		DefaultScrollVelocityLimit: getEnvFloat("DEFAULT_SCROLL_VELOCITY_LIMIT", DefaultScrollVelocity),
		DefaultBedtimeStart:        getEnv("DEFAULT_BEDTIME_START", DefaultBedtimeStartHHMM),
		DefaultBedtimeEnd:          getEnv("DEFAULT_BEDTIME_END", DefaultBedtimeEndHHMM),
		DefaultTimezone:            getEnv("DEFAULT_TIMEZONE", DefaultTZ),
		DefaultEscalationDelayMin:  getEnvInt("DEFAULT_ESCALATION_DELAY_MINUTES", DefaultEscalationDelay),
		SessionIdleTimeout:         getEnvDuration("SESSION_IDLE_TIMEOUT", DefaultIdleTimeout),
		RiskEvaluationWindow:       getEnvDuration("RISK_EVALUATION_WINDOW", DefaultEvaluationWindow),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitCSV(origins)
	} else {
		cfg.AllowedOrigins = []string{"*"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if !validHHMM(c.DefaultBedtimeStart) {
		return fmt.Errorf("DEFAULT_BEDTIME_START must be HH:MM, got %q", c.DefaultBedtimeStart)
	}
	if !validHHMM(c.DefaultBedtimeEnd) {
		return fmt.Errorf("DEFAULT_BEDTIME_END must be HH:MM, got %q", c.DefaultBedtimeEnd)
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE %q is not a valid IANA zone: %w", c.DefaultTimezone, err)
	}
	if c.DefaultSessionLimitMinutes <= 0 {
		return fmt.Errorf("DEFAULT_SESSION_LIMIT_MINUTES must be positive")
	}
	if c.DefaultReopenThreshold <= 0 {
		return fmt.Errorf("DEFAULT_REOPEN_THRESHOLD must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func validHHMM(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
