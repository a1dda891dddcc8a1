package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

// GapEvent describes an inclusive block range a backfill run gave up on.
type GapEvent struct {
	EventID    string    `json:"event_id"`
	RunID      string    `json:"run_id"`
	Contract   string    `json:"contract"`
	FromBlock  uint64    `json:"from_block"`
	ToBlock    uint64    `json:"to_block"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`

	// Replays counts how often the range was replayed and failed again.
	Replays int `json:"replays,omitempty"`
}

// NewGapEvent stamps a gap with a fresh event id and detection time.
func NewGapEvent(runID, contract string, from, to uint64, reason string) GapEvent {
	return GapEvent{
		EventID:    uuid.New().String(),
		RunID:      runID,
		Contract:   strings.ToLower(contract),
		FromBlock:  from,
		ToBlock:    to,
		Reason:     reason,
		DetectedAt: time.Now().UTC(),
	}
}

func gapRecord(topic string, ev GapEvent) (*kgo.Record, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal gap event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(fmt.Sprintf("%s:%d", ev.Contract, ev.FromBlock)),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(ev.EventID)},
			{Key: "run_id", Value: []byte(ev.RunID)},
		},
	}, nil
}

func decodeGapEvent(value []byte) (GapEvent, error) {
	var ev GapEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return GapEvent{}, fmt.Errorf("unmarshal gap event: %w", err)
	}
	if ev.ToBlock < ev.FromBlock {
		return GapEvent{}, fmt.Errorf("gap event %s: to_block %d before from_block %d", ev.EventID, ev.ToBlock, ev.FromBlock)
	}
	return ev, nil
}

// GapPublisher produces gap events.
type GapPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewGapPublisher creates a producer for topic.
func NewGapPublisher(brokers []string, topic string, logger *slog.Logger) (*GapPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = GapsTopic
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}

	return &GapPublisher{
		client: client,
		topic:  topic,
		logger: logger.With("component", "gap-publisher"),
	}, nil
}

// Publish writes one gap event and waits for the broker ack.
func (p *GapPublisher) Publish(ctx context.Context, ev GapEvent) error {
	record, err := gapRecord(p.topic, ev)
	if err != nil {
		return err
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce gap event: %w", err)
	}

	p.logger.Info("gap event published",
		"event_id", ev.EventID,
		"from_block", ev.FromBlock,
		"to_block", ev.ToBlock,
		"reason", ev.Reason,
	)
	return nil
}

// Close flushes and closes the producer.
func (p *GapPublisher) Close() {
	p.client.Close()
}

// GapHandler processes one gap event. A returned error leaves the record
// uncommitted so it is redelivered.
type GapHandler func(ctx context.Context, ev GapEvent) error

// GapConsumerConfig configures a GapConsumer.
type GapConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string

	// IdleTimeout ends Consume after this long without records. Zero
	// consumes until the context is cancelled.
	IdleTimeout time.Duration
}

// GapConsumer reads gap events as part of a consumer group.
type GapConsumer struct {
	cfg    GapConsumerConfig
	client *kgo.Client
	logger *slog.Logger
}

// NewGapConsumer joins the consumer group and subscribes to the gap topic.
func NewGapConsumer(cfg GapConsumerConfig, logger *slog.Logger) (*GapConsumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = GapsTopic
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "indexer-gap-replay"
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	return &GapConsumer{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "gap-consumer"),
	}, nil
}

// Consume hands each gap event to handle and commits the ones it accepts.
// Malformed events are logged and committed.
func (c *GapConsumer) Consume(ctx context.Context, handle GapHandler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pollCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.cfg.IdleTimeout > 0 {
			pollCtx, cancel = context.WithTimeout(ctx, c.cfg.IdleTimeout)
		}
		fetches := c.client.PollFetches(pollCtx)
		idle := pollCtx.Err() != nil
		cancel()

		if fetches.IsClientClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		if fetches.NumRecords() == 0 {
			if idle {
				c.logger.Info("no gap events pending")
				return nil
			}
			continue
		}

		var done []*kgo.Record
		var handleErr error
		fetches.EachRecord(func(record *kgo.Record) {
			if handleErr != nil {
				return
			}
			ev, err := decodeGapEvent(record.Value)
			if err != nil {
				c.logger.Warn("skipping malformed gap event", "offset", record.Offset, "error", err)
				done = append(done, record)
				return
			}
			if err := handle(ctx, ev); err != nil {
				handleErr = fmt.Errorf("handle gap %s: %w", ev.EventID, err)
				return
			}
			done = append(done, record)
		})

		if len(done) > 0 {
			if err := c.client.CommitRecords(ctx, done...); err != nil {
				return fmt.Errorf("commit gap events: %w", err)
			}
		}
		if handleErr != nil {
			return handleErr
		}
	}
}

// Close leaves the group and closes the client.
func (c *GapConsumer) Close() {
	c.client.Close()
}
