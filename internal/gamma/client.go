// Package gamma is a client for Polymarket's Gamma market metadata API.
package gamma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/marko911/polymarket-indexer/internal/metrics"
)

const DefaultBaseURL = "https://gamma-api.polymarket.com"

const maxResponseBytes = 4 << 20

var (
	// ErrFetch covers transport failures and non-2xx responses. Retryable.
	ErrFetch = errors.New("gamma fetch failed")

	// ErrParse means the response body did not have the expected shape.
	// Retrying will not help.
	ErrParse = errors.New("gamma response malformed")
)

// StatusError is returned for non-2xx responses and wraps ErrFetch.
type StatusError struct {
	StatusCode int
	Endpoint   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gamma %s returned status %d", e.Endpoint, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return ErrFetch
}

type Config struct {
	BaseURL           string
	RequestsPerSecond float64
	Burst             int
	// RetryBaseDelay is d0 in delay(k) = d0 * 2^k.
	RetryBaseDelay time.Duration
	UserAgent      string
}

func DefaultConfig() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		RequestsPerSecond: 10,
		Burst:             5,
		RetryBaseDelay:    100 * time.Millisecond,
		UserAgent:         "polymarket-indexer",
	}
}

// Client queries Gamma. The *http.Client is shared with the caller and is
// never closed here.
type Client struct {
	http    *http.Client
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(httpClient *http.Client, cfg Config, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		http:    httpClient,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger.With("component", "gamma-client"),
		sleep:   sleepContext,
	}
}

// Fetch looks up one market by condition id. A well-formed empty result is
// (nil, nil): new markets take a while to appear in Gamma.
func (c *Client) Fetch(ctx context.Context, conditionID string) (*Metadata, error) {
	q := url.Values{}
	q.Set("condition_ids", conditionID)
	endpoint := c.cfg.BaseURL + "/markets?" + q.Encode()

	var markets []marketResponse
	if _, err := c.getJSON(ctx, "markets", endpoint, &markets, false); err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, nil
	}

	pick := markets[0]
	for _, m := range markets {
		if strings.EqualFold(m.ConditionID, conditionID) {
			pick = m
			break
		}
	}

	meta, err := pick.toMetadata()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return meta, nil
}

// FetchTags lists the tags Gamma attaches to a market id. An unknown market
// yields no tags.
func (c *Client) FetchTags(ctx context.Context, marketID string) ([]Tag, error) {
	if marketID == "" {
		return nil, nil
	}
	endpoint := c.cfg.BaseURL + "/markets/" + url.PathEscape(marketID) + "/tags"

	var resp []tagResponse
	found, err := c.getJSON(ctx, "market_tags", endpoint, &resp, true)
	if err != nil || !found {
		return nil, err
	}

	tags := make([]Tag, 0, len(resp))
	for _, t := range resp {
		if t.ID == "" {
			continue
		}
		tags = append(tags, Tag{ID: string(t.ID), Label: t.Label, Slug: t.Slug})
	}
	return tags, nil
}

func (c *Client) getJSON(ctx context.Context, name, endpoint string, out any, notFoundOK bool) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		// The next token is due after the deadline.
		return false, fmt.Errorf("%s: rate limit: %w", name, context.DeadlineExceeded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.GammaRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GammaRequests.WithLabelValues(name, "error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	metrics.GammaRequests.WithLabelValues(name, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusNotFound && notFoundOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return false, &StatusError{StatusCode: resp.StatusCode, Endpoint: name}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return false, fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return true, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
