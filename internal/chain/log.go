package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RawLog is a transport-level log record. BlockNumber and TxHash are nil for
// pending logs.
type RawLog struct {
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	BlockNumber *uint64
	TxHash      *common.Hash
	LogIndex    uint
	Removed     bool
}

// FromTypesLog converts a go-ethereum log. A log without a block hash has not
// been mined yet, so its position fields are left unset.
func FromTypesLog(l types.Log) RawLog {
	raw := RawLog{
		Address:  l.Address,
		Topics:   append([]common.Hash(nil), l.Topics...),
		Data:     append([]byte(nil), l.Data...),
		LogIndex: l.Index,
		Removed:  l.Removed,
	}
	if l.BlockHash == (common.Hash{}) {
		return raw
	}
	block := l.BlockNumber
	raw.BlockNumber = &block
	if l.TxHash != (common.Hash{}) {
		tx := l.TxHash
		raw.TxHash = &tx
	}
	return raw
}

// Filter selects logs emitted by one contract with one event signature.
type Filter struct {
	Address common.Address
	Topic0  common.Hash
}

func (f Filter) Match(l RawLog) bool {
	if l.Address != f.Address {
		return false
	}
	return len(l.Topics) > 0 && l.Topics[0] == f.Topic0
}

// Query builds the node-side filter. Nil bounds mean "latest" for live
// subscriptions.
func (f Filter) Query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{f.Address},
		Topics:    [][]common.Hash{{f.Topic0}},
	}
}
