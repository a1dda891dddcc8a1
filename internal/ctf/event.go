package ctf

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/marko911/polymarket-indexer/internal/chain"
)

var (
	ErrDecode = errors.New("decode token registration")

	// ErrMalformedLog is returned when the topic layout is not
	// signature + three indexed fields.
	ErrMalformedLog = fmt.Errorf("%w: malformed log", ErrDecode)

	// ErrIncompleteLog is returned for logs without a block number or
	// transaction hash, i.e. logs that are not yet mined.
	ErrIncompleteLog = fmt.Errorf("%w: incomplete log", ErrDecode)
)

const tokenRegisteredTopicCount = 4

// RegistrationEvent is a decoded TokenRegistered log. A market emits one per
// outcome token, so two events share a ConditionID with swapped tokens.
type RegistrationEvent struct {
	Token0      *big.Int
	Token1      *big.Int
	ConditionID common.Hash
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// ConditionIDHex is the 0x-prefixed lowercase hex form used as the storage key.
func (e RegistrationEvent) ConditionIDHex() string {
	return ConditionIDHex(e.ConditionID)
}

func ConditionIDHex(id common.Hash) string {
	return hexutil.Encode(id[:])
}

// ParseConditionID accepts a 0x-prefixed 32-byte hex string.
func ParseConditionID(s string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.ToLower(s))
	if err != nil {
		return common.Hash{}, fmt.Errorf("parse condition id %q: %w", s, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("parse condition id %q: want %d bytes, got %d", s, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// Decode turns a raw log into a RegistrationEvent. It does not check the
// address or topic0; the log source filter already did.
func Decode(l chain.RawLog) (RegistrationEvent, error) {
	if len(l.Topics) != tokenRegisteredTopicCount {
		return RegistrationEvent{}, fmt.Errorf("%w: expected %d topics, got %d",
			ErrMalformedLog, tokenRegisteredTopicCount, len(l.Topics))
	}
	if l.BlockNumber == nil {
		return RegistrationEvent{}, fmt.Errorf("%w: missing block number", ErrIncompleteLog)
	}
	if l.TxHash == nil {
		return RegistrationEvent{}, fmt.Errorf("%w: missing transaction hash", ErrIncompleteLog)
	}

	return RegistrationEvent{
		Token0:      new(big.Int).SetBytes(l.Topics[1].Bytes()),
		Token1:      new(big.Int).SetBytes(l.Topics[2].Bytes()),
		ConditionID: l.Topics[3],
		BlockNumber: *l.BlockNumber,
		TxHash:      *l.TxHash,
		LogIndex:    l.LogIndex,
	}, nil
}
