package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var ErrNotConnected = errors.New("not connected")

// ClientConfig controls dialing behaviour for a single RPC endpoint.
type ClientConfig struct {
	URL           string
	Timeout       time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// Client is a reconnectable go-ethereum client bound to one endpoint.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu        sync.RWMutex
	client    *ethclient.Client
	rpcClient *rpc.Client
	isWS      bool
	connected bool
}

func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "chain-client"),
		isWS:   isWebSocketURL(cfg.URL),
	}
}

func isWebSocketURL(endpoint string) bool {
	return strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://")
}

// Connect dials the endpoint, retrying up to MaxRetries times, and verifies the
// connection with an eth_chainId call.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.logger.Info("connecting to RPC",
		"endpoint", redactURL(c.cfg.URL),
		"is_websocket", c.isWS,
	)

	var err error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("retrying connection", "attempt", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
		}

		c.rpcClient, err = rpc.DialContext(ctx, c.cfg.URL)
		if err != nil {
			c.logger.Warn("connection failed", "error", err, "attempt", attempt)
			continue
		}
		c.client = ethclient.NewClient(c.rpcClient)

		checkCtx, cancel := c.callContext(ctx)
		_, err = c.client.ChainID(checkCtx)
		cancel()
		if err != nil {
			c.logger.Warn("chain ID check failed", "error", err)
			c.client.Close()
			c.client = nil
			continue
		}

		c.connected = true
		c.logger.Info("connected successfully")
		return nil
	}

	return fmt.Errorf("%w: failed to connect after %d attempts: %v", ErrTransport, c.cfg.MaxRetries+1, err)
}

// Reconnect drops the current connection and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.connected = false
	return c.connectLocked(ctx)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.connected = false
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) current() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, ErrNotConnected
	}
	return c.client, nil
}

// callContext bounds a single request by the configured timeout. Subscriptions
// do not use it since they outlive any single request.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	client, err := c.current()
	if err != nil {
		return 0, err
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	return client.BlockNumber(ctx)
}

func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	return client.FilterLogs(ctx, query)
}

func (c *Client) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	if !c.isWS {
		return nil, fmt.Errorf("subscriptions require WebSocket connection")
	}
	return client.SubscribeFilterLogs(ctx, query, ch)
}

// redactURL masks the last path segment, which carries the API key for keyed
// providers.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return raw
	}
	segs := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
	segs[len(segs)-1] = "***"
	return u.Scheme + "://" + u.Host + strings.Join(segs, "/")
}
