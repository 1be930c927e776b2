// Cropstack settlement - inventory, orders, escrow and collateral for produce marketplaces
package main

import (
	"context"
	"os"

	"github.com/cropstack/settlement/internal/config"
	"github.com/cropstack/settlement/internal/logging"
	"github.com/cropstack/settlement/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "json").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting settlement service",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"reservation_window", cfg.ReservationWindow.String(),
		"fee_rate", cfg.FeeRate.String(),
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
