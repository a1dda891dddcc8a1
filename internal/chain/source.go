package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrTransport marks network or RPC failures. Callers may retry.
	ErrTransport = errors.New("chain transport error")

	// ErrRangeTooLarge means the provider refused the block range and the
	// caller must split it.
	ErrRangeTooLarge = errors.New("block range too large")
)

// Provider error fragments that indicate an oversized eth_getLogs request.
var rangeTooLargeMarkers = []string{
	"query returned more than",
	"block range",
	"range is too large",
	"exceed maximum block range",
	"response size exceeded",
	"response size should not",
	"too many results",
	"limit exceeded",
}

// Backend is the subset of the node API the source needs. *Client satisfies it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

type connector interface {
	IsConnected() bool
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// LogStream is a live, cancellable sequence of filtered logs.
type LogStream interface {
	Logs() <-chan RawLog
	Err() <-chan error
	Unsubscribe()
}

type SourceConfig struct {
	// UnsubscribeGrace bounds how long Unsubscribe waits for the transport
	// to release the subscription.
	UnsubscribeGrace time.Duration
	BufferSize       int
}

func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		UnsubscribeGrace: 5 * time.Second,
		BufferSize:       128,
	}
}

// Source serves historical and live logs for one Filter.
type Source struct {
	backend Backend
	filter  Filter
	cfg     SourceConfig
	logger  *slog.Logger

	mu    sync.Mutex
	stale bool
}

func NewSource(backend Backend, filter Filter, cfg SourceConfig, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultSourceConfig()
	if cfg.UnsubscribeGrace <= 0 {
		cfg.UnsubscribeGrace = defaults.UnsubscribeGrace
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	return &Source{
		backend: backend,
		filter:  filter,
		cfg:     cfg,
		logger:  logger.With("component", "log-source"),
	}
}

// Head returns the latest block number known to the node.
func (s *Source) Head(ctx context.Context) (uint64, error) {
	n, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return 0, classifyError(ctx, err)
	}
	return n, nil
}

// FetchRange returns the matching logs in the inclusive range [from, to].
func (s *Source) FetchRange(ctx context.Context, from, to uint64) ([]RawLog, error) {
	if from > to {
		return nil, fmt.Errorf("invalid block range [%d, %d]", from, to)
	}

	query := s.filter.Query(new(big.Int).SetUint64(from), new(big.Int).SetUint64(to))
	logs, err := s.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, classifyError(ctx, err)
	}

	out := make([]RawLog, 0, len(logs))
	for _, l := range logs {
		raw := FromTypesLog(l)
		if !s.filter.Match(raw) {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// Subscribe opens a log subscription. If the previous stream failed, the
// backend is redialed first.
func (s *Source) Subscribe(ctx context.Context) (LogStream, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	raw := make(chan types.Log, s.cfg.BufferSize)
	subCtx, cancel := context.WithCancel(ctx)
	sub, err := s.backend.SubscribeFilterLogs(subCtx, s.filter.Query(nil, nil), raw)
	if err != nil {
		cancel()
		s.markStale()
		return nil, classifyError(ctx, err)
	}

	stream := &logStream{
		sub:    sub,
		raw:    raw,
		logs:   make(chan RawLog, s.cfg.BufferSize),
		errc:   make(chan error, 1),
		filter: s.filter,
		grace:  s.cfg.UnsubscribeGrace,
		cancel: cancel,
		done:   make(chan struct{}),
		onFail: s.markStale,
		logger: s.logger,
	}
	go stream.pump(subCtx)

	s.logger.Info("subscribed to logs",
		"address", s.filter.Address.Hex(),
		"topic0", s.filter.Topic0.Hex(),
	)
	return stream, nil
}

func (s *Source) ensureConnected(ctx context.Context) error {
	c, ok := s.backend.(connector)
	if !ok {
		return nil
	}

	s.mu.Lock()
	stale := s.stale
	s.mu.Unlock()

	var err error
	switch {
	case stale:
		err = c.Reconnect(ctx)
	case !c.IsConnected():
		err = c.Connect(ctx)
	default:
		return nil
	}
	if err != nil {
		return classifyError(ctx, err)
	}

	s.mu.Lock()
	s.stale = false
	s.mu.Unlock()
	return nil
}

func (s *Source) markStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}

func classifyError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, ErrRangeTooLarge) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rangeTooLargeMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", ErrRangeTooLarge, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

type logStream struct {
	sub    ethereum.Subscription
	raw    chan types.Log
	logs   chan RawLog
	errc   chan error
	filter Filter
	grace  time.Duration
	cancel context.CancelFunc
	done   chan struct{}
	onFail func()
	logger *slog.Logger

	once sync.Once
}

func (st *logStream) Logs() <-chan RawLog { return st.logs }

func (st *logStream) Err() <-chan error { return st.errc }

func (st *logStream) pump(ctx context.Context) {
	defer close(st.done)
	defer close(st.logs)

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-st.sub.Err():
			if !ok {
				return
			}
			st.onFail()
			if err == nil {
				err = errors.New("subscription closed by server")
			}
			st.errc <- fmt.Errorf("%w: %v", ErrTransport, err)
			return

		case l := <-st.raw:
			log := FromTypesLog(l)
			if !st.filter.Match(log) {
				continue
			}
			select {
			case st.logs <- log:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Unsubscribe stops the pump and releases the node subscription, giving the
// transport at most the grace period to acknowledge.
func (st *logStream) Unsubscribe() {
	st.once.Do(func() {
		st.cancel()

		released := make(chan struct{})
		go func() {
			st.sub.Unsubscribe()
			close(released)
		}()

		timer := time.NewTimer(st.grace)
		defer timer.Stop()
		select {
		case <-released:
		case <-timer.C:
			st.logger.Warn("unsubscribe did not complete within grace period", "grace", st.grace)
		}
		<-st.done
	})
}
