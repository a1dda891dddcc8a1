package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockHeld is returned when another runner owns the lock.
	ErrLockHeld = errors.New("lock held by another runner")
	// ErrLockLost is returned when a lock expired or was taken over.
	ErrLockLost = errors.New("lock lost")
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var refreshScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// LockName builds the lock name for one indexing mode against one contract,
// e.g. "backfill:0x4bfb...".
func LockName(mode, contract string) string {
	return mode + ":" + strings.ToLower(contract)
}

// Lock is an acquired single-runner lock.
type Lock struct {
	c     *Client
	key   string
	token string

	mu       sync.Mutex
	released bool
}

// Acquire takes the named lock, retrying up to MaxLockRetries times.
// It returns ErrLockHeld if the lock stays owned by someone else.
func (c *Client) Acquire(ctx context.Context, name string) (*Lock, error) {
	key := c.lockKey(name)
	token := uuid.NewString()

	for attempt := 0; ; attempt++ {
		ok, err := c.client.SetNX(ctx, key, token, c.cfg.LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			c.logger.Info("lock acquired", "lock", name, "ttl", c.cfg.LockTTL)
			return &Lock{c: c, key: key, token: token}, nil
		}
		if attempt >= c.cfg.MaxLockRetries {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.LockRetryInterval):
		}
	}
}

// Refresh extends the lock TTL. It returns ErrLockLost if the lock is no
// longer owned by this holder.
func (l *Lock) Refresh(ctx context.Context) error {
	ttlMs := l.c.cfg.LockTTL.Milliseconds()
	n, err := refreshScript.Run(ctx, l.c.client, []string{l.key}, l.token, ttlMs).Int64()
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release frees the lock if it is still owned. Releasing twice is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	if _, err := releaseScript.Run(ctx, l.c.client, []string{l.key}, l.token).Result(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	l.c.logger.Info("lock released", "key", l.key)
	return nil
}

// KeepAlive refreshes the lock every third of its TTL until ctx is done.
// The returned channel receives ErrLockLost (or a refresh error) at most once
// and is closed when KeepAlive stops.
func (l *Lock) KeepAlive(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	interval := l.c.cfg.LockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		defer close(errc)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Refresh(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					l.c.logger.Error("lock keepalive failed", "key", l.key, "error", err)
					errc <- err
					return
				}
			}
		}
	}()

	return errc
}
