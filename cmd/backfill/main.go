// Command backfill indexes TokenRegistered events over a historical block
// range.
//
// Usage:
//
//	backfill --from-block=60000000 --to-block=60100000
//	backfill --days=7
//	backfill --resume
//	backfill --replay-gaps
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/marko911/polymarket-indexer/internal/app"
	"github.com/marko911/polymarket-indexer/internal/backfill"
	"github.com/marko911/polymarket-indexer/internal/chain"
	"github.com/marko911/polymarket-indexer/internal/config"
	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/platform/coord"
	"github.com/marko911/polymarket-indexer/internal/platform/kafka"
)

type rangeFlags struct {
	fromBlock  int64
	toBlock    int64
	days       int
	hours      int
	minutes    int
	resume     bool
	replayGaps bool
}

func (f rangeFlags) window() time.Duration {
	return time.Duration(f.days)*24*time.Hour +
		time.Duration(f.hours)*time.Hour +
		time.Duration(f.minutes)*time.Minute
}

// validate checks that exactly one range mode was selected.
func (f rangeFlags) validate() error {
	modes := 0
	if f.fromBlock >= 0 || f.toBlock >= 0 {
		modes++
	}
	if f.window() > 0 {
		modes++
	}
	if f.resume {
		modes++
	}
	if f.replayGaps {
		modes++
	}

	switch {
	case f.days < 0 || f.hours < 0 || f.minutes < 0:
		return errors.New("time window must not be negative")
	case modes == 0:
		return errors.New("one of --from-block, --days/--hours/--minutes, --resume or --replay-gaps is required")
	case modes > 1:
		return errors.New("--from-block/--to-block, time window, --resume and --replay-gaps are mutually exclusive")
	case f.toBlock >= 0 && f.fromBlock < 0:
		return errors.New("--to-block requires --from-block")
	case f.fromBlock >= 0 && f.toBlock >= 0 && f.toBlock < f.fromBlock:
		return fmt.Errorf("--to-block %d is below --from-block %d", f.toBlock, f.fromBlock)
	}
	return nil
}

func main() {
	var (
		configPath  = flag.String("config", envOrDefault("INDEXER_CONFIG", ""), "Path to YAML config file")
		logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
		metricsAddr = flag.String("metrics-addr", envOrDefault("METRICS_ADDR", ""), "Address for metrics endpoint (empty disables)")
		rf          rangeFlags
	)
	flag.Int64Var(&rf.fromBlock, "from-block", -1, "First block to index")
	flag.Int64Var(&rf.toBlock, "to-block", -1, "Last block to index (default: chain head)")
	flag.IntVar(&rf.days, "days", 0, "Index the last N days")
	flag.IntVar(&rf.hours, "hours", 0, "Index the last N hours")
	flag.IntVar(&rf.minutes, "minutes", 0, "Index the last N minutes")
	flag.BoolVar(&rf.resume, "resume", false, "Continue after the last checkpoint up to the chain head")
	flag.BoolVar(&rf.replayGaps, "replay-gaps", false, "Backfill gap events recorded by earlier runs")
	flag.Parse()

	if err := rf.validate(); err != nil {
		fmt.Fprintln(os.Stderr, "backfill:", err)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "backfill:", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := app.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if rf.resume && cfg.Redis.Addr == "" {
		slog.Error("--resume requires redis (REDIS_ADDR)")
		os.Exit(1)
	}
	if rf.replayGaps && len(cfg.Kafka.Brokers) == 0 {
		slog.Error("--replay-gaps requires kafka (KAFKA_BROKERS)")
		os.Exit(1)
	}

	exchange := cfg.Chain.Exchange
	if exchange == "" {
		exchange = ctf.CTFExchangeAddress
	}

	ctx, cancel := app.SignalContext(logger)
	defer cancel()

	if err := run(ctx, cancel, cfg, exchange, rf, *metricsAddr, logger); err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, exchange string, rf rangeFlags, metricsAddr string, logger *slog.Logger) error {
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return err
	}
	url := endpoints.HTTP
	if url == "" {
		url = endpoints.WS
	}

	client := chain.NewClient(cfg.ClientConfig(url), logger)
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	source := chain.NewSource(client, ctf.TokenRegisteredFilter(exchange), cfg.SourceConfig(), logger)

	deps, err := app.Open(ctx, cfg, "backfill", logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	app.ServeMetrics(ctx, metricsAddr, deps.DB.Health, logger)

	lockName := coord.LockName("backfill", exchange)
	release, err := deps.AcquireLock(ctx, lockName, func(err error) {
		logger.Error("backfill lock lost, stopping", "error", err)
		cancel()
	})
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer release()

	// Replayed gaps lie behind the checkpoint and must not move it.
	checkpoint := lockName
	if rf.replayGaps {
		checkpoint = ""
	}
	orch := backfill.NewOrchestrator(source, deps.Processor(cfg.Backfill.SkipExisting), cfg.BackfillConfig(checkpoint), logger)
	if deps.Coord != nil {
		orch.SetCheckpointer(deps.Coord)
	}

	var pub *kafka.GapPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err = app.OpenGapPublisher(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
	}
	// During replay the handler requeues failed ranges itself.
	if pub != nil && !rf.replayGaps {
		orch.SetGapReporter(app.NewGapReporter(pub, strings.ToLower(exchange)))
	}

	report := func(sum *backfill.Summary) {
		deps.Archive(context.WithoutCancel(ctx), "backfill", sum.RunID, sum.StartedAt, sum)
	}

	if rf.replayGaps {
		return replayGaps(ctx, cfg, orch, pub, report, logger)
	}

	r, err := resolveRange(ctx, source, orch, cfg, rf)
	if err != nil {
		return err
	}

	logger.Info("starting backfill",
		"exchange", exchange,
		"from_block", r.From,
		"to_block", r.To,
		"blocks", r.Len(),
		"chunk_size", cfg.Backfill.ChunkSize,
	)

	sum, err := orch.Run(ctx, r)
	if sum != nil {
		report(sum)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	if ctx.Err() != nil {
		logger.Warn("backfill interrupted")
	}
	return nil
}

func resolveRange(ctx context.Context, source *chain.Source, orch *backfill.Orchestrator, cfg *config.Config, rf rangeFlags) (backfill.Range, error) {
	if rf.fromBlock >= 0 && rf.toBlock >= 0 {
		return backfill.Range{From: uint64(rf.fromBlock), To: uint64(rf.toBlock)}, nil
	}

	head, err := source.Head(ctx)
	if err != nil {
		return backfill.Range{}, fmt.Errorf("chain head: %w", err)
	}
	if head < cfg.Chain.Confirmations {
		return backfill.Range{}, fmt.Errorf("head %d below confirmation depth %d", head, cfg.Chain.Confirmations)
	}
	safeHead := head - cfg.Chain.Confirmations

	switch {
	case rf.fromBlock >= 0:
		return backfill.Range{From: uint64(rf.fromBlock), To: safeHead}, nil
	case rf.resume:
		from, ok, err := orch.ResumeFrom(ctx)
		if err != nil {
			return backfill.Range{}, fmt.Errorf("load checkpoint: %w", err)
		}
		if !ok {
			return backfill.Range{}, errors.New("no checkpoint recorded; run with --from-block or a time window first")
		}
		if from > safeHead {
			return backfill.Range{}, fmt.Errorf("checkpoint %d is already at the chain head", from-1)
		}
		return backfill.Range{From: from, To: safeHead}, nil
	default:
		return backfill.ResolveRange(head, rf.window(), cfg.Chain.BlockTime, cfg.Chain.Confirmations)
	}
}

func replayGaps(ctx context.Context, cfg *config.Config, orch *backfill.Orchestrator, pub *kafka.GapPublisher, report func(*backfill.Summary), logger *slog.Logger) error {
	consumerCfg := cfg.GapConsumerConfig()
	consumerCfg.IdleTimeout = 10 * time.Second

	consumer, err := kafka.NewGapConsumer(consumerCfg, logger)
	if err != nil {
		return fmt.Errorf("gap consumer: %w", err)
	}
	defer consumer.Close()

	logger.Info("replaying gaps", "topic", consumerCfg.Topic, "group", consumerCfg.ConsumerGroup)
	replayed := 0
	err = consumer.Consume(ctx, app.GapReplayHandler(orch, pub, app.MaxGapReplays, func(sum *backfill.Summary) {
		replayed++
		report(sum)
	}, logger))
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("gap replay finished", "gaps", replayed)
	return nil
}

// envOrDefault returns environment variable value or default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
