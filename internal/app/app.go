// Package app wires the indexer components for the command binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/marko911/polymarket-indexer/internal/config"
	"github.com/marko911/polymarket-indexer/internal/gamma"
	"github.com/marko911/polymarket-indexer/internal/metrics"
	"github.com/marko911/polymarket-indexer/internal/pipeline"
	"github.com/marko911/polymarket-indexer/internal/platform/coord"
	pnats "github.com/marko911/polymarket-indexer/internal/platform/nats"
	"github.com/marko911/polymarket-indexer/internal/platform/objstore"
	"github.com/marko911/polymarket-indexer/internal/platform/storage"
)

// Deps holds the shared resources of one binary. Optional infrastructure is
// nil when it is not configured.
type Deps struct {
	Config  *config.Config
	DB      *storage.DB
	Markets *storage.MarketRepository
	Gamma   *gamma.Client

	Coord     *coord.Client
	NATS      *pnats.Client
	Publisher *pnats.Publisher
	Archiver  *objstore.Archiver

	source string
	logger *slog.Logger
}

// Open connects to the store (running migrations) and to every configured
// optional backend. source names the binary in notifications and archives.
func Open(ctx context.Context, cfg *config.Config, source string, logger *slog.Logger) (*Deps, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deps{Config: cfg, source: source, logger: logger}

	db, err := storage.New(ctx, cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	d.DB = db
	if err := db.Migrate(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	d.Markets = storage.NewMarketRepository(db)

	httpClient := &http.Client{Timeout: cfg.Gamma.Timeout}
	d.Gamma = gamma.NewClient(httpClient, cfg.GammaClientConfig(), logger)

	if err := d.openOptional(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Deps) openOptional(ctx context.Context) error {
	cfg := d.Config

	if cfg.Redis.Addr != "" {
		c, err := coord.NewClient(ctx, cfg.CoordConfig(), d.logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		d.Coord = c
	}

	if cfg.NATS.URL != "" {
		nc, err := pnats.Connect(ctx, cfg.NATSClientConfig("indexer-"+d.source), d.logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		d.NATS = nc
		if _, err := pnats.EnsureStream(ctx, nc.JetStream(), pnats.MarketsStreamConfig()); err != nil {
			return fmt.Errorf("ensure markets stream: %w", err)
		}
		d.Publisher = pnats.NewPublisher(nc.JetStream(), cfg.Chain.Network, d.source, d.logger)
	}

	if cfg.Archive.Endpoint != "" {
		a, err := objstore.NewArchiver(cfg.ArchiveClientConfig(), d.logger)
		if err != nil {
			return err
		}
		if err := a.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure archive bucket: %w", err)
		}
		d.Archiver = a
	}
	return nil
}

// Processor builds the per-market pipeline.
func (d *Deps) Processor(skipExisting bool) *pipeline.Processor {
	var notifier pipeline.Notifier
	if d.Publisher != nil {
		notifier = d.Publisher
	}
	return pipeline.New(d.Markets, d.Gamma, notifier, d.Config.PipelineConfig(skipExisting), d.logger)
}

// Archive stores a run summary when archiving is enabled. Failures are
// logged only.
func (d *Deps) Archive(ctx context.Context, kind, runID string, at time.Time, summary any) {
	if d.Archiver == nil {
		return
	}
	if err := d.Archiver.ArchiveSummary(ctx, kind, runID, at, summary); err != nil {
		d.logger.Warn("archive summary failed", "kind", kind, "run_id", runID, "error", err)
	}
}

// AcquireLock takes the single-runner lock for name and keeps it alive until
// release is called. onLost runs if the lock is taken away. Without Redis it
// returns a no-op release.
func (d *Deps) AcquireLock(ctx context.Context, name string, onLost func(error)) (release func(), err error) {
	if d.Coord == nil {
		return func() {}, nil
	}

	lock, err := d.Coord.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	keepCtx, cancel := context.WithCancel(ctx)
	lost := lock.KeepAlive(keepCtx)

	go func() {
		if err, ok := <-lost; ok && onLost != nil {
			onLost(err)
		}
	}()

	release = func() {
		cancel()
		relCtx, relCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer relCancel()
		if err := lock.Release(relCtx); err != nil {
			d.logger.Warn("release lock failed", "lock", name, "error", err)
		}
	}
	return release, nil
}

// Close releases every resource opened by Open.
func (d *Deps) Close() {
	if d.NATS != nil {
		if err := d.NATS.Close(); err != nil {
			d.logger.Warn("close nats", "error", err)
		}
	}
	if d.Coord != nil {
		if err := d.Coord.Close(); err != nil {
			d.logger.Warn("close redis", "error", err)
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// NewLogger builds the JSON logger used by every binary.
func NewLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewMetricsServer serves /health and /metrics. health may be nil.
func NewMetricsServer(addr string, health func(ctx context.Context) error) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if health != nil {
			if err := health(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, `{"status":"unhealthy","error":%q}`, err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", metrics.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ServeMetrics runs the metrics server until ctx is cancelled. An empty addr
// disables it.
func ServeMetrics(ctx context.Context, addr string, health func(ctx context.Context) error, logger *slog.Logger) {
	if addr == "" {
		return
	}
	srv := NewMetricsServer(addr, health)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
