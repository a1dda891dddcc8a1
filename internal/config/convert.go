package config

import (
	"github.com/marko911/polymarket-indexer/internal/backfill"
	"github.com/marko911/polymarket-indexer/internal/chain"
	"github.com/marko911/polymarket-indexer/internal/gamma"
	"github.com/marko911/polymarket-indexer/internal/live"
	"github.com/marko911/polymarket-indexer/internal/pipeline"
	"github.com/marko911/polymarket-indexer/internal/platform/coord"
	"github.com/marko911/polymarket-indexer/internal/platform/kafka"
	pnats "github.com/marko911/polymarket-indexer/internal/platform/nats"
	"github.com/marko911/polymarket-indexer/internal/platform/objstore"
	"github.com/marko911/polymarket-indexer/internal/platform/storage"
	"github.com/marko911/polymarket-indexer/internal/sweep"
)

// ClientConfig returns the RPC client settings for url.
func (c *Config) ClientConfig(url string) chain.ClientConfig {
	return chain.ClientConfig{
		URL:           url,
		Timeout:       c.Chain.Timeout,
		MaxRetries:    c.Chain.MaxRetries,
		RetryInterval: c.Chain.RetryInterval,
	}
}

// SourceConfig returns the log source settings.
func (c *Config) SourceConfig() chain.SourceConfig {
	cfg := chain.DefaultSourceConfig()
	cfg.UnsubscribeGrace = c.Chain.UnsubscribeGrace
	return cfg
}

// StorageConfig returns the pool settings.
func (c *Config) StorageConfig() storage.Config {
	cfg := storage.DefaultConfig()
	cfg.URL = c.Database.URL
	if c.Database.MaxConns > 0 {
		cfg.MaxConns = c.Database.MaxConns
	}
	if c.Database.AcquireTimeout > 0 {
		cfg.AcquireTimeout = c.Database.AcquireTimeout
	}
	return cfg
}

// GammaClientConfig returns the metadata client settings.
func (c *Config) GammaClientConfig() gamma.Config {
	cfg := gamma.DefaultConfig()
	cfg.BaseURL = c.Gamma.BaseURL
	cfg.RequestsPerSecond = c.Gamma.RequestsPerSecond
	cfg.Burst = c.Gamma.Burst
	cfg.RetryBaseDelay = c.Gamma.RetryBaseDelay
	return cfg
}

// PipelineConfig returns per-market settings. skipExisting differs by mode.
func (c *Config) PipelineConfig(skipExisting bool) pipeline.Config {
	return pipeline.Config{
		MetadataRetries: c.Gamma.MetadataRetries,
		SkipExisting:    skipExisting,
		FetchTags:       c.Gamma.FetchTags,
	}
}

// BackfillConfig returns the backfill settings; checkpoint names the
// checkpoint key or is empty.
func (c *Config) BackfillConfig(checkpoint string) backfill.Config {
	return backfill.Config{
		ChunkSize:       c.Backfill.ChunkSize,
		FetchRetries:    c.Backfill.FetchRetries,
		FetchRetryDelay: c.Backfill.FetchRetryDelay,
		BatchDelay:      c.Backfill.BatchDelay,
		MinSplitSize:    c.Backfill.MinSplitSize,
		Workers:         c.Backfill.Workers,
		CheckpointName:  checkpoint,
	}
}

// LiveConfig returns the live orchestrator settings.
func (c *Config) LiveConfig() live.Config {
	return live.Config{
		Workers:         c.Live.Workers,
		DedupWindow:     c.Live.DedupWindow,
		ReconnectBase:   c.Live.ReconnectBase,
		ReconnectMax:    c.Live.ReconnectMax,
		SummaryInterval: c.Live.SummaryInterval,
	}
}

// SweepConfig returns the sweep settings.
func (c *Config) SweepConfig() sweep.Config {
	return sweep.Config{Limit: c.Sweep.Limit, Workers: c.Sweep.Workers}
}

// CoordConfig returns the Redis settings.
func (c *Config) CoordConfig() coord.Config {
	cfg := coord.DefaultConfig()
	cfg.RedisAddr = c.Redis.Addr
	cfg.RedisPassword = c.Redis.Password
	cfg.RedisDB = c.Redis.DB
	if c.Redis.KeyPrefix != "" {
		cfg.KeyPrefix = c.Redis.KeyPrefix
	}
	if c.Redis.LockTTL > 0 {
		cfg.LockTTL = c.Redis.LockTTL
	}
	return cfg
}

// GapConsumerConfig returns the gap replay consumer settings.
func (c *Config) GapConsumerConfig() kafka.GapConsumerConfig {
	return kafka.GapConsumerConfig{
		Brokers:       c.Kafka.Brokers,
		Topic:         c.Kafka.GapsTopic,
		ConsumerGroup: c.Kafka.ConsumerGroup,
	}
}

// NATSClientConfig returns the NATS connection settings.
func (c *Config) NATSClientConfig(name string) pnats.Config {
	cfg := pnats.DefaultConfig()
	cfg.URL = c.NATS.URL
	cfg.Name = name
	return cfg
}

// ArchiveClientConfig returns the object store settings.
func (c *Config) ArchiveClientConfig() objstore.Config {
	return objstore.Config{
		Endpoint:  c.Archive.Endpoint,
		Bucket:    c.Archive.Bucket,
		AccessKey: c.Archive.AccessKey,
		SecretKey: c.Archive.SecretKey,
		UseSSL:    c.Archive.UseSSL,
	}
}
