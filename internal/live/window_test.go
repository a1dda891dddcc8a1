package live

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestRecentSet_AdmitWithinWindow(t *testing.T) {
	s := newRecentSet(time.Minute)
	id := common.HexToHash("0x01")
	t0 := time.Unix(1_700_000_000, 0)

	if !s.Admit(id, t0) {
		t.Fatal("first delivery should be admitted")
	}
	if s.Admit(id, t0.Add(30*time.Second)) {
		t.Error("repeat inside the window should be rejected")
	}
	if !s.Admit(id, t0.Add(61*time.Second)) {
		t.Error("repeat after the window should be admitted")
	}
}

func TestRecentSet_Forget(t *testing.T) {
	s := newRecentSet(time.Minute)
	id := common.HexToHash("0x01")
	now := time.Unix(1_700_000_000, 0)

	s.Admit(id, now)
	s.Forget(id)
	if !s.Admit(id, now) {
		t.Error("forgotten id should be admitted again")
	}
}

func TestRecentSet_Prunes(t *testing.T) {
	s := newRecentSet(time.Minute)
	t0 := time.Unix(1_700_000_000, 0)

	for i := int64(1); i <= 10; i++ {
		s.Admit(common.BigToHash(big.NewInt(i)), t0)
	}
	if s.Len() != 10 {
		t.Fatalf("expected 10 tracked ids, got %d", s.Len())
	}

	s.Admit(common.HexToHash("0xff"), t0.Add(2*time.Minute))
	if s.Len() != 1 {
		t.Errorf("expired ids should be pruned, got %d", s.Len())
	}
}
