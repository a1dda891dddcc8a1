package chain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	testAddress = common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E")
	testTopic0  = common.HexToHash("0x01")
	testFilter  = Filter{Address: testAddress, Topic0: testTopic0}
)

func TestFromTypesLog_Mined(t *testing.T) {
	l := types.Log{
		Address:     testAddress,
		Topics:      []common.Hash{testTopic0},
		Data:        []byte{0xaa},
		BlockNumber: 100,
		TxHash:      common.HexToHash("0xbeef"),
		BlockHash:   common.HexToHash("0xb10c"),
		Index:       7,
	}

	raw := FromTypesLog(l)
	if raw.BlockNumber == nil || *raw.BlockNumber != 100 {
		t.Fatalf("expected block number 100, got %v", raw.BlockNumber)
	}
	if raw.TxHash == nil || *raw.TxHash != l.TxHash {
		t.Fatalf("expected tx hash %s, got %v", l.TxHash.Hex(), raw.TxHash)
	}
	if raw.LogIndex != 7 {
		t.Errorf("expected log index 7, got %d", raw.LogIndex)
	}

	l.Topics[0] = common.Hash{}
	if raw.Topics[0] != testTopic0 {
		t.Error("topics should be copied, not aliased")
	}
}

func TestFromTypesLog_Pending(t *testing.T) {
	l := types.Log{
		Address: testAddress,
		Topics:  []common.Hash{testTopic0},
		TxHash:  common.HexToHash("0xbeef"),
	}

	raw := FromTypesLog(l)
	if raw.BlockNumber != nil {
		t.Errorf("pending log should have no block number, got %d", *raw.BlockNumber)
	}
	if raw.TxHash != nil {
		t.Errorf("pending log should have no tx hash, got %s", raw.TxHash.Hex())
	}
}

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		name string
		log  RawLog
		want bool
	}{
		{"match", RawLog{Address: testAddress, Topics: []common.Hash{testTopic0, {}}}, true},
		{"wrong address", RawLog{Address: common.HexToAddress("0x02"), Topics: []common.Hash{testTopic0}}, false},
		{"wrong topic", RawLog{Address: testAddress, Topics: []common.Hash{common.HexToHash("0x02")}}, false},
		{"no topics", RawLog{Address: testAddress}, false},
	}
	for _, tt := range tests {
		if got := testFilter.Match(tt.log); got != tt.want {
			t.Errorf("%s: Match = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFilter_Query(t *testing.T) {
	q := testFilter.Query(nil, nil)
	if q.FromBlock != nil || q.ToBlock != nil {
		t.Error("expected open-ended query")
	}
	if len(q.Addresses) != 1 || q.Addresses[0] != testAddress {
		t.Errorf("unexpected addresses %v", q.Addresses)
	}
	if len(q.Topics) != 1 || len(q.Topics[0]) != 1 || q.Topics[0][0] != testTopic0 {
		t.Errorf("unexpected topics %v", q.Topics)
	}
}
