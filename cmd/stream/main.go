// Command stream indexes TokenRegistered events as they are mined and
// periodically re-enriches markets that are still missing metadata.
//
// Usage:
//
//	stream --config=configs/indexer.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/marko911/polymarket-indexer/internal/app"
	"github.com/marko911/polymarket-indexer/internal/chain"
	"github.com/marko911/polymarket-indexer/internal/config"
	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/live"
	"github.com/marko911/polymarket-indexer/internal/platform/coord"
	"github.com/marko911/polymarket-indexer/internal/sweep"
)

func main() {
	var (
		configPath  = flag.String("config", envOrDefault("INDEXER_CONFIG", ""), "Path to YAML config file")
		logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
		metricsAddr = flag.String("metrics-addr", envOrDefault("METRICS_ADDR", ":9090"), "Address for metrics endpoint (empty disables)")
		noSweep     = flag.Bool("no-sweep", false, "Disable the scheduled backlog sweep")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "stream:", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *noSweep {
		cfg.Sweep.Enabled = false
	}

	logger := app.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := app.SignalContext(logger)
	defer cancel()

	if err := run(ctx, cancel, cfg, *metricsAddr, logger); err != nil {
		slog.Error("stream failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, metricsAddr string, logger *slog.Logger) error {
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return err
	}
	if endpoints.WS == "" {
		return errors.New("live mode needs a websocket endpoint (RPC_WS_URL or a provider with websocket support)")
	}

	exchange := cfg.Chain.Exchange
	if exchange == "" {
		exchange = ctf.CTFExchangeAddress
	}

	client := chain.NewClient(cfg.ClientConfig(endpoints.WS), logger)
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	source := chain.NewSource(client, ctf.TokenRegisteredFilter(exchange), cfg.SourceConfig(), logger)

	deps, err := app.Open(ctx, cfg, "stream", logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	release, err := deps.AcquireLock(ctx, coord.LockName("stream", exchange), func(err error) {
		logger.Error("stream lock lost, stopping", "error", err)
		cancel()
	})
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer release()

	// Live markets are always re-enriched: the row may predate its metadata.
	proc := deps.Processor(false)
	orch := live.NewOrchestrator(source, proc, cfg.LiveConfig(), logger)

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := app.OpenGapPublisher(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		orch.SetMissedRangeReporting(source, app.NewGapReporter(pub, strings.ToLower(exchange)))
	}

	app.ServeMetrics(ctx, metricsAddr, func(ctx context.Context) error {
		if err := deps.DB.Health(ctx); err != nil {
			return err
		}
		if orch.State() != live.StateSubscribed {
			return fmt.Errorf("live state %s", orch.State())
		}
		return nil
	}, logger)

	if cfg.Sweep.Enabled {
		sched := sweep.NewScheduler(ctx, logger)
		sweeper := sweep.NewSweeper(deps.Markets, proc, cfg.SweepConfig(), logger)
		sweeper.OnSummary(func(sum *sweep.Summary) {
			deps.Archive(context.WithoutCancel(ctx), "sweep", sum.RunID, sum.StartedAt, sum)
		})
		if _, err := sched.AddSweep(cfg.Sweep.Schedule, sweeper); err != nil {
			return fmt.Errorf("schedule sweep: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	logger.Info("starting live indexing", "exchange", exchange, "sweep", cfg.Sweep.Enabled)
	if err := orch.Run(ctx); err != nil {
		return err
	}

	stats := orch.Stats()
	logger.Info("stream shutdown",
		"received", stats.Received,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"failed", stats.Failed,
		"reconnects", stats.Reconnects,
	)
	return nil
}

// envOrDefault returns environment variable value or default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
