package live

import (
	"context"
	"sync"
)

// HeadReader reports the current chain head.
type HeadReader interface {
	Head(ctx context.Context) (uint64, error)
}

// MissedRangeReporter receives block ranges that a reconnect may have
// skipped, so they can be backfilled later.
type MissedRangeReporter interface {
	ReportMissed(ctx context.Context, sessionID string, from, to uint64) error
}

// coverage tracks the highest block the subscription is known to have
// covered. Nothing is buffered across a reconnect, so every block after the
// mark up to the new head is treated as possibly missed.
type coverage struct {
	mu    sync.Mutex
	mark  uint64
	valid bool
}

func (c *coverage) observe(block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || block > c.mark {
		c.mark = block
		c.valid = true
	}
}

// resume moves the mark to head and returns the uncovered range, if any.
// The first session has nothing to compare against.
func (c *coverage) resume(head uint64) (from, to uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && head > c.mark {
		from, to, ok = c.mark+1, head, true
	}
	if !c.valid || head > c.mark {
		c.mark = head
		c.valid = true
	}
	return from, to, ok
}

// SetMissedRangeReporting enables reporting of blocks that fall between
// subscription sessions.
func (o *Orchestrator) SetMissedRangeReporting(heads HeadReader, r MissedRangeReporter) {
	o.heads = heads
	o.missed = r
}

// checkCoverage runs after each successful subscribe.
func (o *Orchestrator) checkCoverage(ctx context.Context) {
	if o.heads == nil || o.missed == nil {
		return
	}
	head, err := o.heads.Head(ctx)
	if err != nil {
		o.logger.Warn("head lookup failed, coverage not checked", "error", err)
		return
	}
	from, to, ok := o.cover.resume(head)
	if !ok {
		return
	}

	o.count(func(s *Stats) { s.MissedRanges++ })
	o.logger.Warn("blocks possibly missed while disconnected", "from_block", from, "to_block", to)
	if err := o.missed.ReportMissed(ctx, o.sessionID, from, to); err != nil {
		o.logger.Error("report missed range failed", "from_block", from, "to_block", to, "error", err)
	}
}
