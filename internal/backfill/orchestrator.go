// Package backfill indexes market registrations over a historical block range.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marko911/polymarket-indexer/internal/chain"
	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/metrics"
	"github.com/marko911/polymarket-indexer/internal/pipeline"
)

const metricsMode = "backfill"

// Config controls chunking, retries and parallelism.
type Config struct {
	// ChunkSize is the number of blocks per eth_getLogs call.
	ChunkSize uint64
	// FetchRetries is how many times a failed sub-range is retried.
	FetchRetries    int
	FetchRetryDelay time.Duration
	// BatchDelay is the pause between consecutive sub-ranges.
	BatchDelay time.Duration
	// MinSplitSize stops bisection of oversized sub-ranges.
	MinSplitSize uint64
	// Workers bounds concurrent enrichment and persistence.
	Workers int
	// CheckpointName keys the checkpoint. Empty disables checkpointing.
	CheckpointName string
}

// DefaultConfig returns the default backfill settings.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       1000,
		FetchRetries:    3,
		FetchRetryDelay: 2 * time.Second,
		BatchDelay:      200 * time.Millisecond,
		MinSplitSize:    10,
		Workers:         5,
	}
}

// Orchestrator runs backfills. One Run at a time.
type Orchestrator struct {
	cfg         Config
	source      LogSource
	proc        EntityProcessor
	checkpoints Checkpointer
	gaps        GapReporter
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	state State
}

// NewOrchestrator creates a backfill orchestrator.
func NewOrchestrator(source LogSource, proc EntityProcessor, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.FetchRetries < 0 {
		cfg.FetchRetries = 0
	}
	if cfg.MinSplitSize == 0 {
		cfg.MinSplitSize = 1
	}

	return &Orchestrator{
		cfg:    cfg,
		source: source,
		proc:   proc,
		logger: logger.With("component", "backfill"),
		sleep:  sleepContext,
		state:  StateIdle,
	}
}

// SetCheckpointer enables checkpointing of completed runs.
func (o *Orchestrator) SetCheckpointer(c Checkpointer) {
	o.checkpoints = c
}

// SetGapReporter forwards skipped sub-ranges to r.
func (o *Orchestrator) SetGapReporter(r GapReporter) {
	o.gaps = r
}

// State returns the current phase.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// ResumeFrom returns the block after the stored checkpoint.
func (o *Orchestrator) ResumeFrom(ctx context.Context) (uint64, bool, error) {
	if o.checkpoints == nil || o.cfg.CheckpointName == "" {
		return 0, false, errors.New("checkpointing not configured")
	}
	block, ok, err := o.checkpoints.LoadCheckpoint(ctx, o.cfg.CheckpointName)
	if err != nil || !ok {
		return 0, ok, err
	}
	return block + 1, true, nil
}

// Run indexes every registration in r. Sub-range and per-market failures are
// recorded in the summary. The returned error is non-nil only for an invalid
// range or cancellation, in which case the partial summary is still returned.
func (o *Orchestrator) Run(ctx context.Context, r Range) (*Summary, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	sum := &Summary{
		RunID:     uuid.New().String(),
		Range:     r,
		StartedAt: time.Now().UTC(),
	}
	logger := o.logger.With("run_id", sum.RunID)
	logger.Info("backfill started", "from_block", r.From, "to_block", r.To, "chunk_size", o.cfg.ChunkSize)

	fail := func(err error) (*Summary, error) {
		o.setState(StateFailed)
		sum.Duration = time.Since(sum.StartedAt)
		logger.Warn("backfill interrupted", append(sum.logAttrs(), "error", err)...)
		return sum, err
	}

	o.setState(StateFetching)
	chunks := SplitRange(r, o.cfg.ChunkSize)
	sum.SubRanges = len(chunks)

	var logs []chain.RawLog
	for i, chunk := range chunks {
		if i > 0 && o.cfg.BatchDelay > 0 {
			if err := o.sleep(ctx, o.cfg.BatchDelay); err != nil {
				return fail(err)
			}
		}
		got, err := o.fetchChunk(ctx, chunk, sum)
		if err != nil {
			return fail(err)
		}
		logs = append(logs, got...)
		metrics.BackfillLastBlock.Set(float64(chunk.To))
	}
	sum.LogsFetched = len(logs)
	metrics.LogsFetched.WithLabelValues(metricsMode).Add(float64(len(logs)))

	o.setState(StateParsing)
	events := make([]ctf.RegistrationEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := ctf.Decode(l)
		if err != nil {
			sum.DecodeFailures++
			metrics.DecodeFailures.WithLabelValues(metricsMode).Inc()
			logger.Warn("skipping undecodable log", "tx_hash", txHashAttr(l), "log_index", l.LogIndex, "error", err)
			continue
		}
		events = append(events, ev)
	}

	o.setState(StateDeduplicating)
	dedup := ctf.NewDeduper()
	for _, ev := range events {
		dedup.Add(ev)
	}
	unique := dedup.Events()
	sum.UniqueMarkets = len(unique)
	logger.Info("registrations collected", "events", len(events), "markets", len(unique), "gaps", len(sum.Gaps))

	o.setState(StateEnriching)
	enriched := make([]pipeline.Enriched, len(unique))
	if err := o.forEach(ctx, len(unique), func(ctx context.Context, i int) {
		enriched[i] = o.proc.Enrich(ctx, unique[i])
	}); err != nil {
		return fail(err)
	}

	o.setState(StatePersisting)
	results := make([]pipeline.Result, len(enriched))
	if err := o.forEach(ctx, len(enriched), func(ctx context.Context, i int) {
		results[i] = o.proc.Persist(ctx, enriched[i])
	}); err != nil {
		return fail(err)
	}
	tally(sum, results)

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	o.saveCheckpoint(ctx, sum, logger)

	sum.Duration = time.Since(sum.StartedAt)
	o.setState(StateIdle)
	logger.Info("backfill complete", sum.logAttrs()...)
	return sum, nil
}

// forEach runs fn for indices [0, n) on at most Workers goroutines.
func (o *Orchestrator) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(gctx, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func tally(sum *Summary, results []pipeline.Result) {
	for _, res := range results {
		switch res.Outcome {
		case pipeline.OutcomeInserted:
			sum.Inserted++
		case pipeline.OutcomeUpdated:
			sum.Updated++
		case pipeline.OutcomeSkipped:
			sum.Skipped++
		case pipeline.OutcomeFailed:
			sum.Failed++
		}
		if res.Outcome != pipeline.OutcomeSkipped && !res.MetadataFound {
			sum.NoMetadata++
		}
		sum.TagsInserted += res.TagsInserted
		if res.TagsFailed {
			sum.TagsFailed++
		}
	}
}

// fetchChunk fetches one sub-range, bisecting it when the provider rejects
// it as too large. Exhausted sub-ranges become gaps. Only cancellation is
// returned as an error.
func (o *Orchestrator) fetchChunk(ctx context.Context, r Range, sum *Summary) ([]chain.RawLog, error) {
	logs, attempts, err := o.fetchWithRetry(ctx, r)
	if err == nil {
		return logs, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if errors.Is(err, chain.ErrRangeTooLarge) && r.Len() >= 2*o.cfg.MinSplitSize {
		left, right := bisect(r)
		o.logger.Info("bisecting sub-range", "range", r.String(), "left", left.String(), "right", right.String())

		leftLogs, err := o.fetchChunk(ctx, left, sum)
		if err != nil {
			return nil, err
		}
		rightLogs, err := o.fetchChunk(ctx, right, sum)
		if err != nil {
			return nil, err
		}
		return append(leftLogs, rightLogs...), nil
	}

	gap := Gap{Range: r, Attempts: attempts, Reason: err.Error()}
	sum.Gaps = append(sum.Gaps, gap)
	metrics.BackfillGaps.Inc()
	o.logger.Error("sub-range skipped", "range", r.String(), "attempts", attempts, "error", err)

	if o.gaps != nil {
		if err := o.gaps.ReportGap(ctx, sum.RunID, gap); err != nil {
			o.logger.Warn("gap report failed", "range", r.String(), "error", err)
		}
	}
	return nil, nil
}

// fetchWithRetry makes up to FetchRetries+1 attempts. Oversized ranges are
// not retried.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, r Range) ([]chain.RawLog, int, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.FetchRetries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, o.cfg.FetchRetryDelay); err != nil {
				return nil, attempt, err
			}
		}

		start := time.Now()
		logs, err := o.source.FetchRange(ctx, r.From, r.To)
		metrics.RPCFetchDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			return logs, attempt + 1, nil
		}
		if ctx.Err() != nil {
			return nil, attempt + 1, ctx.Err()
		}
		lastErr = err
		if errors.Is(err, chain.ErrRangeTooLarge) {
			return nil, attempt + 1, err
		}
		o.logger.Warn("fetch failed", "range", r.String(), "attempt", attempt+1, "error", err)
	}
	return nil, o.cfg.FetchRetries + 1, fmt.Errorf("after %d attempts: %w", o.cfg.FetchRetries+1, lastErr)
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, sum *Summary, logger *slog.Logger) {
	if o.checkpoints == nil || o.cfg.CheckpointName == "" {
		return
	}
	block, ok := sum.ContiguousTo()
	if !ok {
		logger.Warn("checkpoint not advanced: first sub-range is a gap")
		return
	}
	if err := o.checkpoints.SaveCheckpoint(ctx, o.cfg.CheckpointName, block); err != nil {
		logger.Warn("checkpoint save failed", "block", block, "error", err)
		return
	}
	logger.Info("checkpoint saved", "checkpoint", o.cfg.CheckpointName, "block", block)
}

func txHashAttr(l chain.RawLog) string {
	if l.TxHash == nil {
		return ""
	}
	return l.TxHash.Hex()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
