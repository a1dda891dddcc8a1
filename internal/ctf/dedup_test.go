package ctf

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func event(condition string, token0, token1 int64, block uint64) RegistrationEvent {
	return RegistrationEvent{
		Token0:      big.NewInt(token0),
		Token1:      big.NewInt(token1),
		ConditionID: common.HexToHash(condition),
		BlockNumber: block,
	}
}

func TestDeduplicate_SwappedTokens(t *testing.T) {
	events := []RegistrationEvent{
		event("0xabc", 1, 2, 10),
		event("0xabc", 2, 1, 10),
	}

	out := Deduplicate(events)
	if len(out) != 1 {
		t.Fatalf("expected 1 event, got %d", len(out))
	}
	if out[0].Token0.Int64() != 1 || out[0].Token1.Int64() != 2 {
		t.Errorf("first-seen token assignment should win, got %s/%s", out[0].Token0, out[0].Token1)
	}
}

func TestDeduplicate_PreservesIdentifierSet(t *testing.T) {
	events := []RegistrationEvent{
		event("0x03", 5, 6, 3),
		event("0x01", 1, 2, 1),
		event("0x03", 6, 5, 3),
		event("0x02", 3, 4, 2),
		event("0x01", 2, 1, 1),
		event("0x02", 4, 3, 2),
	}

	out := Deduplicate(events)

	in := make(map[common.Hash]bool)
	for _, ev := range events {
		in[ev.ConditionID] = true
	}
	seen := make(map[common.Hash]int)
	for _, ev := range out {
		seen[ev.ConditionID]++
	}

	if len(seen) != len(in) {
		t.Fatalf("expected %d identifiers, got %d", len(in), len(seen))
	}
	for id, n := range seen {
		if !in[id] {
			t.Errorf("unexpected identifier %s", id.Hex())
		}
		if n != 1 {
			t.Errorf("identifier %s appears %d times", id.Hex(), n)
		}
	}

	wantOrder := []common.Hash{common.HexToHash("0x03"), common.HexToHash("0x01"), common.HexToHash("0x02")}
	for i, id := range wantOrder {
		if out[i].ConditionID != id {
			t.Errorf("position %d: expected %s, got %s", i, id.Hex(), out[i].ConditionID.Hex())
		}
	}
}

func TestDeduper_Incremental(t *testing.T) {
	d := NewDeduper()

	if !d.Add(event("0x01", 1, 2, 1)) {
		t.Error("first add should report new")
	}
	if d.Add(event("0x01", 2, 1, 1)) {
		t.Error("second add for the same id should report duplicate")
	}
	if !d.Add(event("0x02", 3, 4, 2)) {
		t.Error("different id should report new")
	}
	if d.Len() != 2 {
		t.Errorf("expected 2 events, got %d", d.Len())
	}

	events := d.Events()
	events[0].BlockNumber = 999
	if d.Events()[0].BlockNumber == 999 {
		t.Error("Events should return a copy")
	}
}

func TestDeduplicate_Empty(t *testing.T) {
	if out := Deduplicate(nil); len(out) != 0 {
		t.Errorf("expected empty result, got %d", len(out))
	}
}
