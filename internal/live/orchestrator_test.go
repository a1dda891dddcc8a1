package live

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/polymarket-indexer/internal/chain"
	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/pipeline"
)

type fakeStream struct {
	logs chan chain.RawLog
	errc chan error

	once         sync.Once
	unsubscribed chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		logs:         make(chan chain.RawLog),
		errc:         make(chan error, 1),
		unsubscribed: make(chan struct{}),
	}
}

func (s *fakeStream) Logs() <-chan chain.RawLog { return s.logs }
func (s *fakeStream) Err() <-chan error         { return s.errc }
func (s *fakeStream) Unsubscribe()              { s.once.Do(func() { close(s.unsubscribed) }) }

// fakeSubscriber hands out streams in order and fails once they run out.
type fakeSubscriber struct {
	mu      sync.Mutex
	streams []*fakeStream
	calls   int
	failN   int
}

func (f *fakeSubscriber) Subscribe(ctx context.Context) (chain.LogStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failN > 0 {
		f.failN--
		return nil, chain.ErrTransport
	}
	if len(f.streams) == 0 {
		return nil, errors.New("no more streams")
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func (f *fakeSubscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProcessor struct {
	mu        sync.Mutex
	processed []ctf.RegistrationEvent
	failNext  map[common.Hash]int
}

func (p *fakeProcessor) Process(ctx context.Context, ev ctf.RegistrationEvent) pipeline.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = append(p.processed, ev)
	if p.failNext[ev.ConditionID] > 0 {
		p.failNext[ev.ConditionID]--
		return pipeline.Result{ConditionID: ev.ConditionIDHex(), Outcome: pipeline.OutcomeFailed}
	}
	return pipeline.Result{ConditionID: ev.ConditionIDHex(), Outcome: pipeline.OutcomeInserted}
}

func (p *fakeProcessor) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

func registrationLog(block uint64, token0, token1 int64, condition string) chain.RawLog {
	tx := common.BigToHash(new(big.Int).SetUint64(block))
	return chain.RawLog{
		Address: common.HexToAddress(ctf.CTFExchangeAddress),
		Topics: []common.Hash{
			ctf.TokenRegisteredTopic,
			common.BigToHash(big.NewInt(token0)),
			common.BigToHash(big.NewInt(token1)),
			common.HexToHash(condition),
		},
		BlockNumber: &block,
		TxHash:      &tx,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectBase = time.Millisecond
	cfg.ReconnectMax = 4 * time.Millisecond
	cfg.SummaryInterval = 0
	return cfg
}

func startOrchestrator(t *testing.T, sub Subscriber, proc EntityProcessor) (*Orchestrator, context.CancelFunc, <-chan error) {
	t.Helper()
	o := NewOrchestrator(sub, proc, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	t.Cleanup(cancel)
	return o, cancel, done
}

func TestRun_ProcessesAndDeduplicates(t *testing.T) {
	stream := newFakeStream()
	sub := &fakeSubscriber{streams: []*fakeStream{stream}}
	proc := &fakeProcessor{}
	o, cancel, done := startOrchestrator(t, sub, proc)

	waitFor(t, "subscribed", func() bool { return o.State() == StateSubscribed })

	removed := registrationLog(9, 5, 6, "0x99")
	removed.Removed = true
	bad := registrationLog(10, 1, 2, "0x01")
	bad.Topics = bad.Topics[:2]

	stream.logs <- registrationLog(10, 1, 2, "0xabc")
	stream.logs <- registrationLog(10, 2, 1, "0xabc")
	stream.logs <- removed
	stream.logs <- bad
	stream.logs <- registrationLog(11, 3, 4, "0xdef")

	waitFor(t, "two markets processed", func() bool { return proc.Count() == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	stats := o.Stats()
	if stats.Received != 5 || stats.Removed != 1 || stats.DecodeFailures != 1 || stats.Duplicates != 1 || stats.Inserted != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if o.State() != StateStopped || stats.State != "stopped" {
		t.Errorf("expected stopped, got %s", o.State())
	}
	select {
	case <-stream.unsubscribed:
	default:
		t.Error("subscription not released on stop")
	}
}

func TestRun_FailedMarketCanBeRetried(t *testing.T) {
	stream := newFakeStream()
	sub := &fakeSubscriber{streams: []*fakeStream{stream}}
	id := common.HexToHash("0xabc")
	proc := &fakeProcessor{failNext: map[common.Hash]int{id: 1}}
	o, cancel, done := startOrchestrator(t, sub, proc)

	waitFor(t, "subscribed", func() bool { return o.State() == StateSubscribed })

	stream.logs <- registrationLog(10, 1, 2, "0xabc")
	waitFor(t, "first attempt", func() bool { return o.Stats().Failed == 1 })

	stream.logs <- registrationLog(10, 2, 1, "0xabc")
	waitFor(t, "retry", func() bool { return o.Stats().Inserted == 1 })

	cancel()
	<-done
	if proc.Count() != 2 {
		t.Errorf("expected 2 process calls, got %d", proc.Count())
	}
}

func TestRun_ReconnectsAfterStreamError(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	sub := &fakeSubscriber{streams: []*fakeStream{first, second}, failN: 0}
	proc := &fakeProcessor{}
	o, cancel, done := startOrchestrator(t, sub, proc)

	waitFor(t, "subscribed", func() bool { return o.State() == StateSubscribed })
	first.errc <- chain.ErrTransport

	waitFor(t, "resubscribed", func() bool { return sub.Calls() == 2 && o.State() == StateSubscribed })
	select {
	case <-first.unsubscribed:
	default:
		t.Error("failed stream not released")
	}

	second.logs <- registrationLog(20, 1, 2, "0x01")
	waitFor(t, "processed after reconnect", func() bool { return proc.Count() == 1 })

	cancel()
	<-done
	if o.Stats().Reconnects != 1 {
		t.Errorf("expected 1 reconnect, got %d", o.Stats().Reconnects)
	}
}

func TestRun_RetriesSubscribeFailures(t *testing.T) {
	stream := newFakeStream()
	sub := &fakeSubscriber{streams: []*fakeStream{stream}, failN: 3}
	o, cancel, done := startOrchestrator(t, sub, &fakeProcessor{})

	waitFor(t, "subscribed after failures", func() bool { return o.State() == StateSubscribed })
	if sub.Calls() != 4 {
		t.Errorf("expected 4 subscribe calls, got %d", sub.Calls())
	}
	cancel()
	<-done
}

func TestRun_CancelWhileReconnecting(t *testing.T) {
	sub := &fakeSubscriber{failN: 1 << 30}
	o := NewOrchestrator(sub, &fakeProcessor{}, Config{ReconnectBase: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, "reconnecting", func() bool { return o.State() == StateReconnecting })
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop during backoff")
	}
	if o.State() != StateStopped {
		t.Errorf("expected stopped, got %s", o.State())
	}
}

func TestReconnectDelay(t *testing.T) {
	base, max := time.Second, 10*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{200, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := ReconnectDelay(base, max, tt.attempt); got != tt.want {
			t.Errorf("ReconnectDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNewOrchestrator_Defaults(t *testing.T) {
	o := NewOrchestrator(&fakeSubscriber{}, &fakeProcessor{}, Config{}, nil)
	if o.cfg.Workers != 4 || o.cfg.DedupWindow != 2*time.Minute {
		t.Errorf("defaults not applied: %+v", o.cfg)
	}
	if o.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", o.State())
	}
}
