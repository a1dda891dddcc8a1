// Command sweep re-enriches markets that were stored without metadata.
//
// Usage:
//
//	sweep --limit=500
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/marko911/polymarket-indexer/internal/app"
	"github.com/marko911/polymarket-indexer/internal/config"
	"github.com/marko911/polymarket-indexer/internal/sweep"
)

func main() {
	var (
		configPath = flag.String("config", envOrDefault("INDEXER_CONFIG", ""), "Path to YAML config file")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
		limit      = flag.Int("limit", 0, "Maximum markets to examine (default from config)")
		workers    = flag.Int("workers", 0, "Concurrent enrichments (default from config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sweep:", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *limit > 0 {
		cfg.Sweep.Limit = *limit
	}
	if *workers > 0 {
		cfg.Sweep.Workers = *workers
	}

	logger := app.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	// The sweep never touches the chain, so only the store is required.
	if cfg.Database.URL == "" {
		slog.Error("invalid configuration", "error", "database url is required (DATABASE_URL)")
		os.Exit(1)
	}

	ctx, cancel := app.SignalContext(logger)
	defer cancel()

	deps, err := app.Open(ctx, cfg, "sweep", logger)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	sweeper := sweep.NewSweeper(deps.Markets, deps.Processor(false), cfg.SweepConfig(), logger)
	sweeper.OnSummary(func(sum *sweep.Summary) {
		deps.Archive(context.WithoutCancel(ctx), "sweep", sum.RunID, sum.StartedAt, sum)
	})

	if _, err := sweeper.RunOnce(ctx); err != nil && ctx.Err() == nil {
		slog.Error("sweep failed", "error", err)
		deps.Close()
		os.Exit(1)
	}
}

// envOrDefault returns environment variable value or default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
