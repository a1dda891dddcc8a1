package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marko911/polymarket-indexer/internal/backfill"
	"github.com/marko911/polymarket-indexer/internal/config"
	"github.com/marko911/polymarket-indexer/internal/platform/kafka"
)

// OpenGapPublisher ensures the gaps topic exists and returns a publisher
// for it.
func OpenGapPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*kafka.GapPublisher, error) {
	tm, err := kafka.NewTopicManager(cfg.Kafka.Brokers, logger)
	if err != nil {
		return nil, fmt.Errorf("kafka admin: %w", err)
	}
	defer tm.Close()

	topics := kafka.DefaultTopicConfigs()
	for i := range topics {
		topics[i].Name = cfg.Kafka.GapsTopic
	}
	if err := tm.EnsureTopics(ctx, topics); err != nil {
		return nil, fmt.Errorf("ensure gaps topic: %w", err)
	}
	if err := tm.WaitForTopic(ctx, cfg.Kafka.GapsTopic, 10*time.Second); err != nil {
		return nil, err
	}

	pub, err := kafka.NewGapPublisher(cfg.Kafka.Brokers, cfg.Kafka.GapsTopic, logger)
	if err != nil {
		return nil, fmt.Errorf("gap publisher: %w", err)
	}
	return pub, nil
}

type gapPublisher interface {
	Publish(ctx context.Context, ev kafka.GapEvent) error
}

// GapReporter forwards backfill gaps to the gaps topic.
type GapReporter struct {
	pub      gapPublisher
	contract string
}

// NewGapReporter creates a reporter publishing gaps for contract.
func NewGapReporter(pub gapPublisher, contract string) *GapReporter {
	return &GapReporter{pub: pub, contract: contract}
}

func (r *GapReporter) ReportGap(ctx context.Context, runID string, gap backfill.Gap) error {
	return r.pub.Publish(ctx, kafka.NewGapEvent(runID, r.contract, gap.From, gap.To, gap.Reason))
}

// ReportMissed publishes blocks a live session may have skipped.
func (r *GapReporter) ReportMissed(ctx context.Context, sessionID string, from, to uint64) error {
	return r.pub.Publish(ctx, kafka.NewGapEvent(sessionID, r.contract, from, to, "live reconnect"))
}

// MaxGapReplays bounds how many times one gap range is replayed.
const MaxGapReplays = 3

type rangeRunner interface {
	Run(ctx context.Context, r backfill.Range) (*backfill.Summary, error)
}

// GapReplayHandler backfills each consumed gap event. Sub-ranges that fail
// again are requeued with a bumped replay count until maxReplays runs have
// been spent on them, then dropped. The runner must not report gaps itself.
//
// Cancellation and requeue failures are returned so the event stays
// uncommitted.
func GapReplayHandler(runner rangeRunner, requeue gapPublisher, maxReplays int, onSummary func(*backfill.Summary), logger *slog.Logger) kafka.GapHandler {
	if maxReplays <= 0 {
		maxReplays = MaxGapReplays
	}
	return func(ctx context.Context, ev kafka.GapEvent) error {
		r := backfill.Range{From: ev.FromBlock, To: ev.ToBlock}
		logger.Info("replaying gap", "event_id", ev.EventID, "origin_run", ev.RunID, "range", r.String(), "replays", ev.Replays)

		sum, err := runner.Run(ctx, r)
		if sum != nil && onSummary != nil {
			onSummary(sum)
		}
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.Warn("gap replay rejected", "event_id", ev.EventID, "error", err)
			return nil
		}

		replays := ev.Replays + 1
		for _, g := range sum.Gaps {
			if requeue == nil || replays >= maxReplays {
				logger.Error("gap abandoned",
					"event_id", ev.EventID,
					"range", g.Range.String(),
					"replays", replays,
					"reason", g.Reason,
				)
				continue
			}
			next := kafka.NewGapEvent(sum.RunID, ev.Contract, g.From, g.To, g.Reason)
			next.Replays = replays
			if err := requeue.Publish(ctx, next); err != nil {
				return fmt.Errorf("requeue gap %s: %w", g.Range, err)
			}
		}
		return nil
	}
}
