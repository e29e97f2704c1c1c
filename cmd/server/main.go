// Heartline - token-gated companion chat settlement service
package main

import (
	"context"
	"os"

	"github.com/avelou/heartline/internal/config"
	"github.com/avelou/heartline/internal/logging"
	"github.com/avelou/heartline/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", false)

	logger.Info("starting heartline",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"provider_model", cfg.ProviderModel,
		"history_limit", cfg.HistoryLimit,
	)

	srv, err := server.New(cfg, server.WithLogger(logging.New(cfg.LogLevel, cfg.IsProduction())))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
