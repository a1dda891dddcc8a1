// Package sweep re-enriches stored markets whose metadata was not available
// when they were first indexed.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/metrics"
	"github.com/marko911/polymarket-indexer/internal/pipeline"
	"github.com/marko911/polymarket-indexer/internal/platform/storage"
)

// Backlog lists markets still missing metadata, oldest first.
type Backlog interface {
	ListMissingMetadata(ctx context.Context, limit int) ([]storage.Market, error)
}

// EntityProcessor enriches and persists one market.
type EntityProcessor interface {
	Process(ctx context.Context, ev ctf.RegistrationEvent) pipeline.Result
}

// Config controls a sweep pass.
type Config struct {
	// Limit caps the markets examined per pass.
	Limit   int
	Workers int
}

// DefaultConfig returns the default sweep settings.
func DefaultConfig() Config {
	return Config{
		Limit:   100,
		Workers: 2,
	}
}

// Summary is the outcome of one sweep pass.
type Summary struct {
	RunID        string        `json:"run_id"`
	Examined     int           `json:"examined"`
	Enriched     int           `json:"enriched"`
	StillMissing int           `json:"still_missing"`
	Failed       int           `json:"failed"`
	InvalidRows  int           `json:"invalid_rows"`
	TagsInserted int           `json:"tags_inserted"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// Sweeper runs backlog passes.
type Sweeper struct {
	cfg     Config
	backlog Backlog
	proc    EntityProcessor
	logger  *slog.Logger

	onSummary func(*Summary)
}

// NewSweeper creates a Sweeper. proc should not skip existing markets.
func NewSweeper(backlog Backlog, proc EntityProcessor, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Sweeper{
		cfg:     cfg,
		backlog: backlog,
		proc:    proc,
		logger:  logger.With("component", "sweep"),
	}
}

// OnSummary registers fn to receive every completed pass summary.
func (s *Sweeper) OnSummary(fn func(*Summary)) {
	s.onSummary = fn
}

// RunOnce retries enrichment for up to Limit markets missing metadata.
func (s *Sweeper) RunOnce(ctx context.Context) (*Summary, error) {
	sum := &Summary{RunID: uuid.New().String(), StartedAt: time.Now().UTC()}

	markets, err := s.backlog.ListMissingMetadata(ctx, s.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("list backlog: %w", err)
	}
	sum.Examined = len(markets)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for _, m := range markets {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			result := s.sweepOne(gctx, m)
			metrics.SweepMarkets.WithLabelValues(result.label).Inc()

			mu.Lock()
			defer mu.Unlock()
			switch result.label {
			case "enriched":
				sum.Enriched++
			case "missing":
				sum.StillMissing++
			case "invalid":
				sum.InvalidRows++
			default:
				sum.Failed++
			}
			sum.TagsInserted += result.tags
			return nil
		})
	}
	_ = g.Wait()

	sum.Duration = time.Since(sum.StartedAt)
	s.logger.Info("sweep complete",
		"run_id", sum.RunID,
		"examined", sum.Examined,
		"enriched", sum.Enriched,
		"still_missing", sum.StillMissing,
		"failed", sum.Failed,
		"invalid_rows", sum.InvalidRows,
		"duration", sum.Duration,
	)
	if s.onSummary != nil {
		s.onSummary(sum)
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

type sweepResult struct {
	label string
	tags  int
}

func (s *Sweeper) sweepOne(ctx context.Context, m storage.Market) sweepResult {
	ev, err := m.Event()
	if err != nil {
		s.logger.Error("cannot rebuild event from row", "condition_id", m.ConditionID, "error", err)
		return sweepResult{label: "invalid"}
	}

	res := s.proc.Process(ctx, ev)
	switch {
	case res.Outcome == pipeline.OutcomeFailed:
		return sweepResult{label: "failed"}
	case res.MetadataFound:
		return sweepResult{label: "enriched", tags: res.TagsInserted}
	default:
		return sweepResult{label: "missing"}
	}
}
