package storage

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/polymarket-indexer/internal/ctf"
)

// Market is a row of the markets table. Metadata columns are nil until the
// market has been enriched.
type Market struct {
	ConditionID string `db:"condition_id"`
	Token0      string `db:"token0"`
	Token1      string `db:"token1"`
	BlockNumber int64  `db:"block_number"`
	TxHash      string `db:"tx_hash"`

	ExternalID *string    `db:"external_id"`
	Question   *string    `db:"question"`
	Slug       *string    `db:"slug"`
	Outcomes   []string   `db:"outcomes"` // JSONB
	StartDate  *time.Time `db:"start_date"`
	EndDate    *time.Time `db:"end_date"`

	MetadataFetchedAt *time.Time `db:"metadata_fetched_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// Event rebuilds the registration event the row was created from.
func (m Market) Event() (ctf.RegistrationEvent, error) {
	id, err := ctf.ParseConditionID(m.ConditionID)
	if err != nil {
		return ctf.RegistrationEvent{}, err
	}
	token0, ok := new(big.Int).SetString(m.Token0, 10)
	if !ok {
		return ctf.RegistrationEvent{}, fmt.Errorf("market %s: invalid token0 %q", m.ConditionID, m.Token0)
	}
	token1, ok := new(big.Int).SetString(m.Token1, 10)
	if !ok {
		return ctf.RegistrationEvent{}, fmt.Errorf("market %s: invalid token1 %q", m.ConditionID, m.Token1)
	}
	return ctf.RegistrationEvent{
		Token0:      token0,
		Token1:      token1,
		ConditionID: id,
		BlockNumber: uint64(m.BlockNumber),
		TxHash:      common.HexToHash(m.TxHash),
	}, nil
}

// Tag is a row of the tags table.
type Tag struct {
	ID    string  `db:"pm_tag_id"`
	Label *string `db:"label"`
	Slug  *string `db:"slug"`
}

// UpsertResult reports whether Upsert created the row.
type UpsertResult struct {
	Inserted bool
}
