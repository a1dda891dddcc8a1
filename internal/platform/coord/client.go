// Package coord holds the Redis-backed coordination primitives shared by the
// indexer binaries: a single-runner lock and block checkpoints.
package coord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyLock       = "lock:"
	keyCheckpoint = "checkpoint:"
)

// Config configures the Redis connection and lock behavior.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	// LockTTL is how long a lock survives without a refresh.
	LockTTL time.Duration

	LockRetryInterval time.Duration

	// MaxLockRetries bounds Acquire. Zero means a single attempt.
	MaxLockRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RedisAddr:         "localhost:6379",
		KeyPrefix:         "pmindexer:",
		LockTTL:           30 * time.Second,
		LockRetryInterval: 500 * time.Millisecond,
		MaxLockRetries:    0,
	}
}

// Client wraps a Redis client with the indexer's key layout.
type Client struct {
	cfg    Config
	client *redis.Client
	logger *slog.Logger
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if cfg.LockRetryInterval <= 0 {
		cfg.LockRetryInterval = DefaultConfig().LockRetryInterval
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Client{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "coord"),
	}, nil
}

// Close closes the underlying Redis client.
func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) lockKey(name string) string {
	return c.cfg.KeyPrefix + keyLock + name
}

func (c *Client) checkpointKey(name string) string {
	return c.cfg.KeyPrefix + keyCheckpoint + name
}
