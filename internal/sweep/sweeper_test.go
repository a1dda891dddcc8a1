package sweep

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/pipeline"
	"github.com/marko911/polymarket-indexer/internal/platform/storage"
)

type fakeBacklog struct {
	markets   []storage.Market
	err       error
	lastLimit int
}

func (b *fakeBacklog) ListMissingMetadata(ctx context.Context, limit int) ([]storage.Market, error) {
	b.lastLimit = limit
	return b.markets, b.err
}

type fakeProcessor struct {
	mu       sync.Mutex
	outcomes map[string]pipeline.Result
	seen     []ctf.RegistrationEvent
}

func (p *fakeProcessor) Process(ctx context.Context, ev ctf.RegistrationEvent) pipeline.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, ev)
	return p.outcomes[ev.ConditionIDHex()]
}

func market(id string) storage.Market {
	return storage.Market{
		ConditionID: ctf.ConditionIDHex(common.HexToHash(id)),
		Token0:      "1",
		Token1:      "2",
		BlockNumber: 7,
		TxHash:      common.HexToHash("0x01").Hex(),
	}
}

func TestRunOnce_ClassifiesMarkets(t *testing.T) {
	invalid := market("0x04")
	invalid.Token0 = "not-a-number"
	backlog := &fakeBacklog{markets: []storage.Market{market("0x01"), market("0x02"), market("0x03"), invalid}}

	id := func(s string) string { return ctf.ConditionIDHex(common.HexToHash(s)) }
	proc := &fakeProcessor{outcomes: map[string]pipeline.Result{
		id("0x01"): {Outcome: pipeline.OutcomeUpdated, MetadataFound: true, TagsInserted: 2},
		id("0x02"): {Outcome: pipeline.OutcomeUpdated},
		id("0x03"): {Outcome: pipeline.OutcomeFailed},
	}}

	s := NewSweeper(backlog, proc, Config{Limit: 50}, nil)
	sum, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if backlog.lastLimit != 50 {
		t.Errorf("limit not passed through, got %d", backlog.lastLimit)
	}
	if sum.Examined != 4 || sum.Enriched != 1 || sum.StillMissing != 1 || sum.Failed != 1 || sum.InvalidRows != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if sum.TagsInserted != 2 {
		t.Errorf("expected 2 tags, got %d", sum.TagsInserted)
	}
	if len(proc.seen) != 3 {
		t.Errorf("invalid row should not be processed, got %d calls", len(proc.seen))
	}
	for _, ev := range proc.seen {
		if ev.BlockNumber != 7 || ev.Token0.Int64() != 1 {
			t.Errorf("event not rebuilt from row: %+v", ev)
		}
	}
}

func TestRunOnce_BacklogError(t *testing.T) {
	s := NewSweeper(&fakeBacklog{err: errors.New("db down")}, &fakeProcessor{}, DefaultConfig(), nil)
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunOnce_Empty(t *testing.T) {
	s := NewSweeper(&fakeBacklog{}, &fakeProcessor{}, Config{}, nil)
	sum, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if sum.Examined != 0 || s.cfg.Limit != 100 {
		t.Errorf("unexpected summary %+v / config %+v", sum, s.cfg)
	}
}

func TestRunOnce_OnSummary(t *testing.T) {
	s := NewSweeper(&fakeBacklog{markets: []storage.Market{market("0x01")}}, &fakeProcessor{}, Config{}, nil)

	var got *Summary
	s.OnSummary(func(sum *Summary) { got = sum })

	sum, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if got != sum {
		t.Fatalf("callback should receive the returned summary")
	}
}

func TestScheduler_RunsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewScheduler(ctx, nil)
	var runs atomic.Int32
	if _, err := s.Add("@every 1s", func(ctx context.Context) { runs.Add(1) }); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s := NewScheduler(context.Background(), nil)
	if _, err := s.Add("every now and then", func(context.Context) {}); err == nil {
		t.Error("expected error for invalid spec")
	}
}
