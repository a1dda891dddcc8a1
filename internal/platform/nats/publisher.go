package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/gamma"
)

// MarketIndexed is the notification body for a newly stored market.
type MarketIndexed struct {
	ConditionID string    `json:"condition_id"`
	Token0      string    `json:"token0"`
	Token1      string    `json:"token1"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash"`
	ExternalID  string    `json:"external_id,omitempty"`
	Question    string    `json:"question,omitempty"`
	Slug        string    `json:"slug,omitempty"`
	Source      string    `json:"source"`
	IndexedAt   time.Time `json:"indexed_at"`
}

func newMarketIndexed(ev ctf.RegistrationEvent, meta *gamma.Metadata, source string, now time.Time) MarketIndexed {
	msg := MarketIndexed{
		ConditionID: ev.ConditionIDHex(),
		Token0:      ev.Token0.String(),
		Token1:      ev.Token1.String(),
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash.Hex(),
		Source:      source,
		IndexedAt:   now.UTC(),
	}
	if meta != nil {
		msg.ExternalID = meta.ID
		msg.Question = meta.Question
		msg.Slug = meta.Slug
	}
	return msg
}

// Publisher announces inserted markets on the MARKETS stream.
type Publisher struct {
	js      jetstream.JetStream
	subject string
	source  string
	logger  *slog.Logger
}

// NewPublisher creates a publisher for chain. source tags messages with the
// indexing mode that produced them.
func NewPublisher(js jetstream.JetStream, chain, source string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		js:      js,
		subject: SubjectForMarkets(chain),
		source:  source,
		logger:  logger.With("component", "market-publisher"),
	}
}

// MarketInserted publishes one notification. The condition id is the
// JetStream message id, so redelivery within the stream's duplicate window
// is dropped by the server.
func (p *Publisher) MarketInserted(ctx context.Context, ev ctf.RegistrationEvent, meta *gamma.Metadata) error {
	msg := newMarketIndexed(ev, meta, p.source, time.Now())
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal market notice: %w", err)
	}

	ack, err := p.js.Publish(ctx, p.subject, data, jetstream.WithMsgID(msg.ConditionID))
	if err != nil {
		return fmt.Errorf("publish market notice: %w", err)
	}

	p.logger.Debug("market notice published",
		"condition_id", msg.ConditionID,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}
