// Package kafka provides Kafka/Redpanda plumbing for the indexer: topic
// management and the gap event stream.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// GapsTopic carries block ranges a backfill could not fetch.
const GapsTopic = "indexer-gaps"

// TopicConfig defines the configuration for a Kafka topic.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	RetentionMs       int64
	CleanupPolicy     string
}

// DefaultTopicConfigs returns the topics the indexer needs.
func DefaultTopicConfigs() []TopicConfig {
	return []TopicConfig{
		{
			Name:              GapsTopic,
			Partitions:        1,
			ReplicationFactor: 1,
			RetentionMs:       14 * 24 * 60 * 60 * 1000, // 14 days
			CleanupPolicy:     "delete",
		},
	}
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// TopicManager creates and inspects topics.
type TopicManager struct {
	client *kgo.Client
	admin  *kadm.Client
	logger *slog.Logger
}

// NewTopicManager creates a TopicManager for the given brokers.
func NewTopicManager(brokers []string, logger *slog.Logger) (*TopicManager, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &TopicManager{
		client: client,
		admin:  kadm.NewClient(client),
		logger: logger.With("component", "kafka-topics"),
	}, nil
}

// EnsureTopics creates any of the configured topics that are missing.
func (m *TopicManager) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	existing, err := m.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, cfg := range configs {
		if existing.Has(cfg.Name) {
			continue
		}
		if err := m.createTopic(ctx, cfg); err != nil {
			return err
		}
		m.logger.Info("topic created", "topic", cfg.Name, "partitions", cfg.Partitions)
	}
	return nil
}

func (m *TopicManager) createTopic(ctx context.Context, cfg TopicConfig) error {
	resp, err := m.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor,
		map[string]*string{
			"retention.ms":   kadm.StringPtr(strconv.FormatInt(cfg.RetentionMs, 10)),
			"cleanup.policy": kadm.StringPtr(cfg.CleanupPolicy),
		},
		cfg.Name,
	)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", cfg.Name, err)
	}

	for _, r := range resp {
		if r.Err != nil {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// WaitForTopic polls until the topic is visible or timeout elapses.
func (m *TopicManager) WaitForTopic(ctx context.Context, topic string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		topics, err := m.admin.ListTopics(ctx, topic)
		if err == nil && topics.Has(topic) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("timeout waiting for topic %s", topic)
}

// Close releases resources.
func (m *TopicManager) Close() {
	m.client.Close()
}
