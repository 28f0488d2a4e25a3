// Pacebreak - Behavioral risk orchestration for screen-time wellbeing
package main

import (
	"context"
	"os"

	"github.com/attnlabs/pacebreak/internal/config"
	"github.com/attnlabs/pacebreak/internal/logging"
	"github.com/attnlabs/pacebreak/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting pacebreak",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"session_limit_minutes", cfg.DefaultSessionLimitMinutes,
		"reopen_threshold", cfg.DefaultReopenThreshold,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
