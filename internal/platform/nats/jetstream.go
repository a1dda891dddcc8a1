package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfig defines a JetStream stream.
type StreamConfig struct {
	Name        string
	Subjects    []string
	Retention   jetstream.RetentionPolicy
	MaxAge      time.Duration
	MaxBytes    int64
	Replicas    int
	Duplicates  time.Duration // msg-id dedup window
	Description string
}

// MarketsStreamConfig returns the stream that captures market notifications.
func MarketsStreamConfig() StreamConfig {
	return StreamConfig{
		Name:        "MARKETS",
		Subjects:    []string{"markets.indexed.>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
		Description: "Newly indexed prediction markets",
	}
}

// EnsureStream creates or updates a stream. It is idempotent.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   cfg.Retention,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.Duplicates,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// SubjectForMarkets returns the subject markets on chain are published to.
// Format: markets.indexed.<chain>
func SubjectForMarkets(chain string) string {
	return "markets.indexed." + strings.ToLower(chain)
}
