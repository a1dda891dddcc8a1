// Package ctf decodes Polymarket CTFExchange TokenRegistered events.
package ctf

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/marko911/polymarket-indexer/internal/chain"
)

// CTFExchangeAddress is the Polygon mainnet exchange.
const CTFExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

const TokenRegisteredSignature = "TokenRegistered(uint256,uint256,bytes32)"

// TokenRegisteredTopic is keccak256 of TokenRegisteredSignature.
var TokenRegisteredTopic = crypto.Keccak256Hash([]byte(TokenRegisteredSignature))

// TokenRegisteredFilter selects TokenRegistered logs from the given exchange.
// An empty address means the mainnet CTFExchange.
func TokenRegisteredFilter(exchange string) chain.Filter {
	if exchange == "" {
		exchange = CTFExchangeAddress
	}
	return chain.Filter{
		Address: common.HexToAddress(exchange),
		Topic0:  TokenRegisteredTopic,
	}
}
