// Package pipeline turns decoded registration events into stored markets:
// metadata lookup, tag lookup, upsert and notification.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/gamma"
	"github.com/marko911/polymarket-indexer/internal/metrics"
	"github.com/marko911/polymarket-indexer/internal/platform/storage"
)

// Store persists markets.
type Store interface {
	Exists(ctx context.Context, conditionID string) (bool, error)
	Upsert(ctx context.Context, ev ctf.RegistrationEvent, meta *gamma.Metadata) (storage.UpsertResult, error)
	InsertTags(ctx context.Context, conditionID string, tags []gamma.Tag) error
}

// MetadataSource looks up off-chain market metadata.
type MetadataSource interface {
	FetchWithRetry(ctx context.Context, conditionID string, maxRetries int) (*gamma.Metadata, error)
	FetchTags(ctx context.Context, marketID string) ([]gamma.Tag, error)
}

// Notifier is told about markets stored for the first time.
type Notifier interface {
	MarketInserted(ctx context.Context, ev ctf.RegistrationEvent, meta *gamma.Metadata) error
}

// Config controls per-entity processing.
type Config struct {
	// MetadataRetries is the retry budget passed to FetchWithRetry.
	MetadataRetries int
	// SkipExisting skips markets that are already stored.
	SkipExisting bool
	// FetchTags enables the tag lookup for markets with an external id.
	FetchTags bool
}

// DefaultConfig returns the settings used by the backfill.
func DefaultConfig() Config {
	return Config{
		MetadataRetries: 5,
		SkipExisting:    true,
		FetchTags:       true,
	}
}

// Outcome is what happened to one market.
type Outcome int

const (
	OutcomeInserted Outcome = iota
	OutcomeUpdated
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Enriched is an event with whatever metadata could be found for it.
type Enriched struct {
	Event    ctf.RegistrationEvent
	Metadata *gamma.Metadata
	Tags     []gamma.Tag

	// Skip is set when the market already exists and SkipExisting is on.
	Skip bool

	MetadataErr error
	TagsErr     error
}

// Result is the outcome of persisting one Enriched event.
type Result struct {
	ConditionID   string
	Outcome       Outcome
	MetadataFound bool
	TagsInserted  int
	TagsFailed    bool
	Err           error
}

// Processor runs the per-market steps shared by every indexing mode.
type Processor struct {
	store    Store
	meta     MetadataSource
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
}

// New creates a Processor. notifier may be nil.
func New(store Store, meta MetadataSource, notifier Notifier, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetadataRetries < 0 {
		cfg.MetadataRetries = 0
	}
	return &Processor{
		store:    store,
		meta:     meta,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "pipeline"),
	}
}

// Enrich fetches metadata and tags for ev. It never fails: lookup errors are
// recorded on the result and the market is persisted without metadata.
func (p *Processor) Enrich(ctx context.Context, ev ctf.RegistrationEvent) Enriched {
	out := Enriched{Event: ev}
	id := ev.ConditionIDHex()

	if p.cfg.SkipExisting {
		exists, err := p.store.Exists(ctx, id)
		if err != nil {
			p.logger.Warn("existence check failed", "condition_id", id, "error", err)
		} else if exists {
			out.Skip = true
			return out
		}
	}

	meta, err := p.meta.FetchWithRetry(ctx, id, p.cfg.MetadataRetries)
	if err != nil {
		out.MetadataErr = err
		p.logger.Warn("metadata unavailable", "condition_id", id, "error", err)
		return out
	}
	if meta == nil {
		p.logger.Info("market not listed yet", "condition_id", id)
		return out
	}
	out.Metadata = meta

	if p.cfg.FetchTags && meta.ID != "" {
		tags, err := p.meta.FetchTags(ctx, meta.ID)
		if err != nil {
			out.TagsErr = err
			p.logger.Warn("tags unavailable", "condition_id", id, "market_id", meta.ID, "error", err)
		} else {
			out.Tags = tags
		}
	}
	return out
}

// Persist stores an enriched market and its tags.
func (p *Processor) Persist(ctx context.Context, e Enriched) Result {
	id := e.Event.ConditionIDHex()
	res := Result{ConditionID: id, MetadataFound: e.Metadata != nil}

	if e.Skip {
		res.Outcome = OutcomeSkipped
		p.record(res)
		return res
	}

	upserted, err := p.store.Upsert(ctx, e.Event, e.Metadata)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		p.logger.Error("persist market failed", "condition_id", id, "error", err)
		p.record(res)
		return res
	}
	res.Outcome = OutcomeUpdated
	if upserted.Inserted {
		res.Outcome = OutcomeInserted
	}

	res.TagsFailed = e.TagsErr != nil
	if len(e.Tags) > 0 {
		if err := p.store.InsertTags(ctx, id, e.Tags); err != nil {
			res.TagsFailed = true
			p.logger.Warn("insert tags failed", "condition_id", id, "count", len(e.Tags), "error", err)
		} else {
			res.TagsInserted = len(e.Tags)
		}
	}

	if res.Outcome == OutcomeInserted && p.notifier != nil {
		if err := p.notifier.MarketInserted(ctx, e.Event, e.Metadata); err != nil {
			p.logger.Warn("market notification failed", "condition_id", id, "error", err)
		}
	}

	p.logger.Debug("market persisted",
		"condition_id", id,
		"outcome", res.Outcome.String(),
		"metadata", res.MetadataFound,
		"tags", res.TagsInserted,
	)
	p.record(res)
	return res
}

// Process enriches and persists one event.
func (p *Processor) Process(ctx context.Context, ev ctf.RegistrationEvent) Result {
	return p.Persist(ctx, p.Enrich(ctx, ev))
}

func (p *Processor) record(res Result) {
	metrics.MarketsProcessed.WithLabelValues(res.Outcome.String()).Inc()
}
