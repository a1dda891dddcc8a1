// Package config loads indexer settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marko911/polymarket-indexer/internal/backfill"
	"github.com/marko911/polymarket-indexer/internal/chain"
	"github.com/marko911/polymarket-indexer/internal/gamma"
	"github.com/marko911/polymarket-indexer/internal/live"
	"github.com/marko911/polymarket-indexer/internal/pipeline"
	"github.com/marko911/polymarket-indexer/internal/platform/coord"
	"github.com/marko911/polymarket-indexer/internal/platform/kafka"
	"github.com/marko911/polymarket-indexer/internal/platform/storage"
	"github.com/marko911/polymarket-indexer/internal/sweep"
)

// Config is the full indexer configuration.
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Database DatabaseConfig `yaml:"database"`
	Gamma    GammaConfig    `yaml:"gamma"`
	Backfill BackfillConfig `yaml:"backfill"`
	Live     LiveConfig     `yaml:"live"`
	Sweep    SweepConfig    `yaml:"sweep"`

	// Optional infrastructure. Each is disabled when its address is empty.
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	NATS    NATSConfig    `yaml:"nats"`
	Archive ArchiveConfig `yaml:"archive"`

	Log LogConfig `yaml:"log"`
}

// ChainConfig selects the RPC endpoint and the contract to index.
type ChainConfig struct {
	Network  string `yaml:"network"`
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`

	// RPCURL and WSURL override the provider endpoints.
	RPCURL string `yaml:"rpc_url"`
	WSURL  string `yaml:"ws_url"`

	Exchange string `yaml:"exchange"`

	// BlockTime converts time windows to block counts.
	BlockTime     time.Duration `yaml:"block_time"`
	Confirmations uint64        `yaml:"confirmations"`

	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	UnsubscribeGrace time.Duration `yaml:"unsubscribe_grace"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL            string        `yaml:"url"`
	MaxConns       int32         `yaml:"max_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// GammaConfig holds the metadata API settings.
type GammaConfig struct {
	BaseURL           string        `yaml:"base_url"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	MetadataRetries   int           `yaml:"metadata_retries"`
	FetchTags         bool          `yaml:"fetch_tags"`
	Timeout           time.Duration `yaml:"timeout"`
}

// BackfillConfig mirrors backfill.Config.
type BackfillConfig struct {
	ChunkSize       uint64        `yaml:"chunk_size"`
	FetchRetries    int           `yaml:"fetch_retries"`
	FetchRetryDelay time.Duration `yaml:"fetch_retry_delay"`
	BatchDelay      time.Duration `yaml:"batch_delay"`
	MinSplitSize    uint64        `yaml:"min_split_size"`
	Workers         int           `yaml:"workers"`
	SkipExisting    bool          `yaml:"skip_existing"`
}

// LiveConfig mirrors live.Config.
type LiveConfig struct {
	Workers         int           `yaml:"workers"`
	DedupWindow     time.Duration `yaml:"dedup_window"`
	ReconnectBase   time.Duration `yaml:"reconnect_base"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	SummaryInterval time.Duration `yaml:"summary_interval"`
}

// SweepConfig controls the backlog sweep.
type SweepConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	Limit    int    `yaml:"limit"`
	Workers  int    `yaml:"workers"`
}

// RedisConfig enables the single-runner lock and checkpoints.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

// KafkaConfig enables gap event publishing and replay.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	GapsTopic     string   `yaml:"gaps_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// NATSConfig enables market notifications.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// ArchiveConfig enables run summary archiving.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	bf := backfill.DefaultConfig()
	lv := live.DefaultConfig()
	gm := gamma.DefaultConfig()
	sw := sweep.DefaultConfig()
	db := storage.DefaultConfig()
	rd := coord.DefaultConfig()

	return &Config{
		Chain: ChainConfig{
			Network:          string(chain.NetworkPolygon),
			Provider:         string(chain.ProviderAlchemy),
			BlockTime:        2 * time.Second,
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			RetryInterval:    5 * time.Second,
			UnsubscribeGrace: chain.DefaultSourceConfig().UnsubscribeGrace,
		},
		Database: DatabaseConfig{
			MaxConns:       db.MaxConns,
			AcquireTimeout: db.AcquireTimeout,
		},
		Gamma: GammaConfig{
			BaseURL:           gm.BaseURL,
			RequestsPerSecond: gm.RequestsPerSecond,
			Burst:             gm.Burst,
			RetryBaseDelay:    gm.RetryBaseDelay,
			MetadataRetries:   pipeline.DefaultConfig().MetadataRetries,
			FetchTags:         true,
			Timeout:           15 * time.Second,
		},
		Backfill: BackfillConfig{
			ChunkSize:       bf.ChunkSize,
			FetchRetries:    bf.FetchRetries,
			FetchRetryDelay: bf.FetchRetryDelay,
			BatchDelay:      bf.BatchDelay,
			MinSplitSize:    bf.MinSplitSize,
			Workers:         bf.Workers,
			SkipExisting:    true,
		},
		Live: LiveConfig{
			Workers:         lv.Workers,
			DedupWindow:     lv.DedupWindow,
			ReconnectBase:   lv.ReconnectBase,
			ReconnectMax:    lv.ReconnectMax,
			SummaryInterval: lv.SummaryInterval,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "0 */10 * * * *",
			Limit:    sw.Limit,
			Workers:  sw.Workers,
		},
		Redis: RedisConfig{
			KeyPrefix: rd.KeyPrefix,
			LockTTL:   rd.LockTTL,
		},
		Kafka: KafkaConfig{
			GapsTopic:     kafka.GapsTopic,
			ConsumerGroup: "indexer-gap-replay",
		},
		Archive: ArchiveConfig{
			Bucket: "indexer-runs",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("RPC_PROVIDER", &c.Chain.Provider)
	str("CHAIN_NETWORK", &c.Chain.Network)
	str("ALCHEMY_API_KEY", &c.Chain.APIKey)
	str("RPC_API_KEY", &c.Chain.APIKey)
	str("RPC_URL", &c.Chain.RPCURL)
	str("RPC_WS_URL", &c.Chain.WSURL)
	str("CTF_EXCHANGE_ADDRESS", &c.Chain.Exchange)
	str("DATABASE_URL", &c.Database.URL)
	str("GAMMA_BASE_URL", &c.Gamma.BaseURL)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("NATS_URL", &c.NATS.URL)
	str("MINIO_ENDPOINT", &c.Archive.Endpoint)
	str("MINIO_BUCKET", &c.Archive.Bucket)
	str("MINIO_ACCESS_KEY", &c.Archive.AccessKey)
	str("MINIO_SECRET_KEY", &c.Archive.SecretKey)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = kafka.ParseBrokers(v)
	}
	if v, ok := lookup("BLOCK_TIME"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BLOCK_TIME: %w", err)
		}
		c.Chain.BlockTime = d
	}
	if v, ok := lookup("MINIO_USE_SSL"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MINIO_USE_SSL: %w", err)
		}
		c.Archive.UseSSL = b
	}
	return nil
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required (DATABASE_URL)"))
	}
	if _, err := c.Endpoints(); err != nil {
		errs = append(errs, err)
	}
	if c.Chain.BlockTime <= 0 {
		errs = append(errs, errors.New("chain block_time must be positive"))
	}
	if c.Chain.Exchange != "" && !isHexAddress(c.Chain.Exchange) {
		errs = append(errs, fmt.Errorf("invalid exchange address %q", c.Chain.Exchange))
	}
	return errors.Join(errs...)
}

// Endpoints resolves the RPC endpoints: explicit URLs win over the provider.
func (c *Config) Endpoints() (chain.Endpoints, error) {
	if c.Chain.RPCURL != "" || c.Chain.WSURL != "" {
		return chain.Endpoints{HTTP: c.Chain.RPCURL, WS: c.Chain.WSURL}, nil
	}
	ep, err := chain.ProviderURLs(chain.Provider(c.Chain.Provider), chain.Network(c.Chain.Network), c.Chain.APIKey)
	if err != nil {
		return chain.Endpoints{}, fmt.Errorf("rpc endpoint: %w (set ALCHEMY_API_KEY or RPC_URL)", err)
	}
	return ep, nil
}

func isHexAddress(s string) bool {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
