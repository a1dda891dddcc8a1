// Package live tails new market registrations from a log subscription.
package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marko911/polymarket-indexer/internal/chain"
	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/metrics"
	"github.com/marko911/polymarket-indexer/internal/pipeline"
)

const metricsMode = "live"

var errStreamClosed = errors.New("log stream closed")

// State is the subscription lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Subscriber opens log subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context) (chain.LogStream, error)
}

// EntityProcessor enriches and persists one market.
type EntityProcessor interface {
	Process(ctx context.Context, ev ctf.RegistrationEvent) pipeline.Result
}

// Config controls the live orchestrator.
type Config struct {
	// Workers bounds concurrently processed markets.
	Workers int
	// DedupWindow is how long a condition id suppresses repeats.
	DedupWindow     time.Duration
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	SummaryInterval time.Duration
}

// DefaultConfig returns the default live settings.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		DedupWindow:     2 * time.Minute,
		ReconnectBase:   time.Second,
		ReconnectMax:    time.Minute,
		SummaryInterval: 5 * time.Minute,
	}
}

// Stats are cumulative counters for one Run.
type Stats struct {
	State          string `json:"state"`
	Received       uint64 `json:"received"`
	Removed        uint64 `json:"removed"`
	Decoded        uint64 `json:"decoded"`
	DecodeFailures uint64 `json:"decode_failures"`
	Duplicates     uint64 `json:"duplicates"`
	Inserted       uint64 `json:"inserted"`
	Updated        uint64 `json:"updated"`
	Skipped        uint64 `json:"skipped"`
	Failed         uint64 `json:"failed"`
	Reconnects     uint64 `json:"reconnects"`
	MissedRanges   uint64 `json:"missed_ranges"`
}

// Orchestrator keeps one subscription alive and processes what it delivers.
type Orchestrator struct {
	cfg    Config
	source Subscriber
	proc   EntityProcessor
	window *recentSet
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup

	sessionID string
	heads     HeadReader
	missed    MissedRangeReporter
	cover     coverage

	mu    sync.RWMutex
	state State
	stats Stats
}

// NewOrchestrator creates a live orchestrator.
func NewOrchestrator(source Subscriber, proc EntityProcessor, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = cfg.ReconnectBase
	}

	return &Orchestrator{
		cfg:    cfg,
		source: source,
		proc:   proc,
		window: newRecentSet(cfg.DedupWindow),
		logger: logger.With("component", "live"),
		sleep:  sleepContext,
		now:    time.Now,
		sem:    make(chan struct{}, cfg.Workers),
		state:  StateDisconnected,

		sessionID: uuid.New().String(),
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.stats
	s.State = o.state.String()
	return s
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()

	metrics.LiveState.Set(float64(s))
	if prev != s {
		o.logger.Debug("state changed", "from", prev.String(), "to", s.String())
	}
}

func (o *Orchestrator) count(fn func(s *Stats)) {
	o.mu.Lock()
	fn(&o.stats)
	o.mu.Unlock()
}

// ReconnectDelay returns min(base * 2^attempt, max).
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Run subscribes and processes logs until ctx is cancelled, reconnecting with
// exponential backoff whenever the subscription fails. It returns after the
// subscription is released and in-flight markets have finished.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("live indexing started", "workers", o.cfg.Workers, "dedup_window", o.cfg.DedupWindow)

	summaryDone := make(chan struct{})
	go func() {
		defer close(summaryDone)
		o.summaryLoop(ctx)
	}()

	attempt := 0
	for ctx.Err() == nil {
		o.setState(StateConnecting)
		stream, err := o.source.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			o.logger.Warn("subscribe failed", "attempt", attempt+1, "error", err)
			o.backoff(ctx, attempt)
			attempt++
			continue
		}

		o.setState(StateSubscribed)
		o.logger.Info("subscribed")
		o.checkCoverage(ctx)
		received, err := o.consume(ctx, stream)
		stream.Unsubscribe()

		if ctx.Err() != nil {
			break
		}
		if received {
			attempt = 0
		}
		o.count(func(s *Stats) { s.Reconnects++ })
		metrics.LiveReconnects.Inc()
		o.logger.Warn("subscription lost", "error", err, "attempt", attempt+1)
		o.backoff(ctx, attempt)
		attempt++
	}

	o.wg.Wait()
	<-summaryDone
	o.setState(StateStopped)
	o.logSummary("live indexing stopped")
	return nil
}

func (o *Orchestrator) backoff(ctx context.Context, attempt int) {
	o.setState(StateReconnecting)
	d := ReconnectDelay(o.cfg.ReconnectBase, o.cfg.ReconnectMax, attempt)
	o.logger.Info("reconnecting", "delay", d)
	_ = o.sleep(ctx, d)
}

// consume handles logs until the stream fails or ctx is cancelled. It
// reports whether at least one log arrived.
func (o *Orchestrator) consume(ctx context.Context, stream chain.LogStream) (bool, error) {
	received := false
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case err := <-stream.Err():
			return received, err
		case l, ok := <-stream.Logs():
			if !ok {
				return received, errStreamClosed
			}
			received = true
			o.handle(ctx, l)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, l chain.RawLog) {
	o.count(func(s *Stats) { s.Received++ })
	metrics.LogsFetched.WithLabelValues(metricsMode).Inc()

	if l.Removed {
		o.count(func(s *Stats) { s.Removed++ })
		return
	}

	ev, err := ctf.Decode(l)
	if err != nil {
		o.count(func(s *Stats) { s.DecodeFailures++ })
		metrics.DecodeFailures.WithLabelValues(metricsMode).Inc()
		o.logger.Warn("skipping undecodable log", "log_index", l.LogIndex, "error", err)
		return
	}
	o.count(func(s *Stats) { s.Decoded++ })
	o.cover.observe(ev.BlockNumber)

	if !o.window.Admit(ev.ConditionID, o.now()) {
		o.count(func(s *Stats) { s.Duplicates++ })
		return
	}

	select {
	case <-ctx.Done():
		o.window.Forget(ev.ConditionID)
		return
	case o.sem <- struct{}{}:
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() { <-o.sem }()

		res := o.proc.Process(ctx, ev)
		if res.Outcome == pipeline.OutcomeFailed {
			o.window.Forget(ev.ConditionID)
		}
		o.count(func(s *Stats) {
			switch res.Outcome {
			case pipeline.OutcomeInserted:
				s.Inserted++
			case pipeline.OutcomeUpdated:
				s.Updated++
			case pipeline.OutcomeSkipped:
				s.Skipped++
			case pipeline.OutcomeFailed:
				s.Failed++
			}
		})
		if res.Outcome != pipeline.OutcomeFailed {
			o.logger.Info("market indexed",
				"condition_id", res.ConditionID,
				"outcome", res.Outcome.String(),
				"block", ev.BlockNumber,
				"metadata", res.MetadataFound,
			)
		}
	}()
}

func (o *Orchestrator) summaryLoop(ctx context.Context) {
	if o.cfg.SummaryInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(o.cfg.SummaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.logSummary("live summary")
		}
	}
}

func (o *Orchestrator) logSummary(msg string) {
	s := o.Stats()
	o.logger.Info(msg,
		"state", s.State,
		"received", s.Received,
		"removed", s.Removed,
		"decoded", s.Decoded,
		"decode_failures", s.DecodeFailures,
		"duplicates", s.Duplicates,
		"inserted", s.Inserted,
		"updated", s.Updated,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"reconnects", s.Reconnects,
		"missed_ranges", s.MissedRanges,
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
