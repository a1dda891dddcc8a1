package gamma

import (
	"context"
	"errors"
	"time"

	"github.com/marko911/polymarket-indexer/internal/metrics"
)

// BackoffDelay is the wait before retry k: base * 2^k.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base << uint(attempt)
}

// FetchWithRetry calls Fetch up to maxRetries+1 times. Not-found results and
// ErrFetch are retried with exponential backoff; ErrParse and context errors
// end the loop immediately.
//
// When the budget runs out the result is (nil, nil), unless every attempt
// failed with ErrFetch, in which case the last error is returned.
func (c *Client) FetchWithRetry(ctx context.Context, conditionID string, maxRetries int) (*Metadata, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var (
		lastErr  error
		failures int
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		meta, err := c.Fetch(ctx, conditionID)
		switch {
		case err == nil && meta != nil:
			metrics.MetadataFetches.WithLabelValues("found").Inc()
			return meta, nil
		case err == nil:
			c.logger.Debug("market not in gamma yet", "condition_id", conditionID, "attempt", attempt+1)
		case errors.Is(err, ErrParse), isContextErr(err), ctx.Err() != nil:
			metrics.MetadataFetches.WithLabelValues("error").Inc()
			return nil, err
		default:
			failures++
			lastErr = err
			c.logger.Warn("gamma fetch failed", "condition_id", conditionID, "attempt", attempt+1, "error", err)
		}

		if attempt == maxRetries {
			break
		}
		if err := c.sleep(ctx, BackoffDelay(c.cfg.RetryBaseDelay, attempt)); err != nil {
			return nil, err
		}
	}

	if failures == maxRetries+1 {
		metrics.MetadataFetches.WithLabelValues("error").Inc()
		return nil, lastErr
	}
	metrics.MetadataFetches.WithLabelValues("not_found").Inc()
	return nil, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
