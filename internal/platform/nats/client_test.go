package nats

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/gamma"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.URL != "nats://localhost:4222" {
		t.Errorf("expected default URL nats://localhost:4222, got %s", cfg.URL)
	}
	if cfg.MaxReconnects != -1 {
		t.Errorf("expected unlimited reconnects (-1), got %d", cfg.MaxReconnects)
	}
}

func TestMarketsStreamConfig(t *testing.T) {
	cfg := MarketsStreamConfig()

	if cfg.Name != "MARKETS" {
		t.Errorf("expected stream name MARKETS, got %s", cfg.Name)
	}
	if len(cfg.Subjects) != 1 || cfg.Subjects[0] != "markets.indexed.>" {
		t.Errorf("expected subjects [markets.indexed.>], got %v", cfg.Subjects)
	}
	if cfg.Duplicates <= 0 {
		t.Error("expected a duplicate window for msg-id dedup")
	}
}

func TestSubjectForMarkets(t *testing.T) {
	tests := []struct {
		chain    string
		expected string
	}{
		{"polygon", "markets.indexed.polygon"},
		{"Polygon-Amoy", "markets.indexed.polygon-amoy"},
	}

	for _, tt := range tests {
		if got := SubjectForMarkets(tt.chain); got != tt.expected {
			t.Errorf("SubjectForMarkets(%q) = %q, want %q", tt.chain, got, tt.expected)
		}
	}
}

func TestNewMarketIndexed(t *testing.T) {
	ev := ctf.RegistrationEvent{
		Token0:      big.NewInt(11),
		Token1:      big.NewInt(22),
		ConditionID: common.HexToHash("0xabc"),
		BlockNumber: 500,
		TxHash:      common.HexToHash("0xfeed"),
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	msg := newMarketIndexed(ev, nil, "live", now)
	if msg.ConditionID != ev.ConditionIDHex() || msg.Token0 != "11" || msg.Token1 != "22" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.ExternalID != "" || msg.Source != "live" || !msg.IndexedAt.Equal(now) {
		t.Errorf("unexpected message %+v", msg)
	}

	msg = newMarketIndexed(ev, &gamma.Metadata{ID: "7", Question: "Q?", Slug: "q"}, "backfill", now)
	if msg.ExternalID != "7" || msg.Question != "Q?" || msg.Slug != "q" {
		t.Errorf("metadata not carried: %+v", msg)
	}
}
