package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/gamma"
)

const marketColumns = `
	condition_id, token0, token1, block_number, tx_hash,
	external_id, question, slug, outcomes, start_date, end_date,
	metadata_fetched_at, created_at, updated_at`

// On conflict, metadata columns only move from NULL to a value, never back.
// metadata_fetched_at keeps its first value. Chain-derived columns are
// immutable after insert.
const upsertMarketSQL = `
	INSERT INTO markets (
		condition_id, token0, token1, block_number, tx_hash,
		external_id, question, slug, outcomes, start_date, end_date,
		metadata_fetched_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (condition_id) DO UPDATE SET
		external_id = COALESCE(EXCLUDED.external_id, markets.external_id),
		question = COALESCE(EXCLUDED.question, markets.question),
		slug = COALESCE(EXCLUDED.slug, markets.slug),
		outcomes = COALESCE(EXCLUDED.outcomes, markets.outcomes),
		start_date = COALESCE(EXCLUDED.start_date, markets.start_date),
		end_date = COALESCE(EXCLUDED.end_date, markets.end_date),
		metadata_fetched_at = COALESCE(markets.metadata_fetched_at, EXCLUDED.metadata_fetched_at),
		updated_at = NOW()
	RETURNING (xmax = 0) AS inserted`

const lockMarketSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

const upsertTagSQL = `
	INSERT INTO tags (pm_tag_id, label, slug)
	VALUES ($1, $2, $3)
	ON CONFLICT (pm_tag_id) DO UPDATE SET
		label = COALESCE(EXCLUDED.label, tags.label),
		slug = COALESCE(EXCLUDED.slug, tags.slug)`

const linkTagSQL = `
	INSERT INTO market_tags (condition_id, pm_tag_id)
	VALUES ($1, $2)
	ON CONFLICT (condition_id, pm_tag_id) DO NOTHING`

// MarketRepository handles persistence of markets and their tags.
type MarketRepository struct {
	db *DB
}

// NewMarketRepository creates a new MarketRepository.
func NewMarketRepository(db *DB) *MarketRepository {
	return &MarketRepository{db: db}
}

// Upsert creates the market for ev if it does not exist, otherwise merges the
// non-empty fields of meta into it. A nil meta leaves metadata untouched.
//
// Each call is one transaction holding an advisory lock on the condition id,
// so concurrent writers for the same market serialize.
func (r *MarketRepository) Upsert(ctx context.Context, ev ctf.RegistrationEvent, meta *gamma.Metadata) (UpsertResult, error) {
	args, err := upsertArgs(ev, meta, time.Now().UTC())
	if err != nil {
		return UpsertResult{}, err
	}
	conditionID := ev.ConditionIDHex()

	var result UpsertResult
	err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockMarketSQL, conditionID); err != nil {
			return fmt.Errorf("lock market: %w", err)
		}
		if err := tx.QueryRow(ctx, upsertMarketSQL, args...).Scan(&result.Inserted); err != nil {
			return fmt.Errorf("upsert market: %w", err)
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert %s: %w", conditionID, err)
	}
	return result, nil
}

// upsertArgs maps an event and optional metadata to upsertMarketSQL
// parameters. Empty metadata values become NULL so they cannot overwrite.
func upsertArgs(ev ctf.RegistrationEvent, meta *gamma.Metadata, now time.Time) ([]any, error) {
	if ev.Token0 == nil || ev.Token1 == nil {
		return nil, fmt.Errorf("market %s: missing token ids", ev.ConditionIDHex())
	}

	var (
		externalID, question, slug *string
		outcomes                   []byte
		startDate, endDate         *time.Time
		fetchedAt                  *time.Time
	)
	if meta != nil {
		externalID = nullString(meta.ID)
		question = nullString(meta.Question)
		slug = nullString(meta.Slug)
		if len(meta.Outcomes) > 0 {
			b, err := json.Marshal(meta.Outcomes)
			if err != nil {
				return nil, fmt.Errorf("marshal outcomes: %w", err)
			}
			outcomes = b
		}
		startDate = meta.StartDate
		endDate = meta.EndDate
		fetchedAt = &now
	}

	return []any{
		ev.ConditionIDHex(),
		ev.Token0.String(),
		ev.Token1.String(),
		int64(ev.BlockNumber),
		ev.TxHash.Hex(),
		externalID,
		question,
		slug,
		outcomes,
		startDate,
		endDate,
		fetchedAt,
	}, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Exists reports whether a market row exists for the condition id.
func (r *MarketRepository) Exists(ctx context.Context, conditionID string) (bool, error) {
	var exists bool
	err := r.db.WithConn(ctx, func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM markets WHERE condition_id = $1)`, conditionID,
		).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("check market exists: %w", err)
	}
	return exists, nil
}

// GetByConditionID returns the market or nil if it is not indexed.
func (r *MarketRepository) GetByConditionID(ctx context.Context, conditionID string) (*Market, error) {
	var (
		m     Market
		found = true
	)
	err := r.db.WithConn(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE condition_id = $1`, conditionID)
		err := scanMarket(row, &m)
		if errors.Is(err, pgx.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &m, nil
}

// ListMissingMetadata returns markets that were never enriched, oldest first.
func (r *MarketRepository) ListMissingMetadata(ctx context.Context, limit int) ([]Market, error) {
	var markets []Market
	err := r.db.WithConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+marketColumns+`
			FROM markets
			WHERE metadata_fetched_at IS NULL
			ORDER BY created_at ASC, id ASC
			LIMIT $1`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m Market
			if err := scanMarket(rows, &m); err != nil {
				return err
			}
			markets = append(markets, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list markets missing metadata: %w", err)
	}
	return markets, nil
}

// Count returns the number of indexed markets.
func (r *MarketRepository) Count(ctx context.Context) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM markets`)
}

// CountMissingMetadata returns the number of markets never enriched.
func (r *MarketRepository) CountMissingMetadata(ctx context.Context) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM markets WHERE metadata_fetched_at IS NULL`)
}

func (r *MarketRepository) count(ctx context.Context, query string) (int64, error) {
	var n int64
	err := r.db.WithConn(ctx, func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, query).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count markets: %w", err)
	}
	return n, nil
}

// InsertTags upserts the tags and links them to the market in one
// transaction. Existing tags and links are tolerated.
func (r *MarketRepository) InsertTags(ctx context.Context, conditionID string, tags []gamma.Tag) error {
	if len(tags) == 0 {
		return nil
	}

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, t := range tags {
			batch.Queue(upsertTagSQL, t.ID, t.Label, t.Slug)
			batch.Queue(linkTagSQL, conditionID, t.ID)
		}

		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert tags for %s: %w", conditionID, err)
			}
		}
		return br.Close()
	})
}

// TagsForMarket returns the market's tags ordered by label.
func (r *MarketRepository) TagsForMarket(ctx context.Context, conditionID string) ([]Tag, error) {
	var tags []Tag
	err := r.db.WithConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT t.pm_tag_id, t.label, t.slug
			FROM market_tags mt
			JOIN tags t ON mt.pm_tag_id = t.pm_tag_id
			WHERE mt.condition_id = $1
			ORDER BY t.label NULLS LAST, t.pm_tag_id`, conditionID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var t Tag
			if err := rows.Scan(&t.ID, &t.Label, &t.Slug); err != nil {
				return err
			}
			tags = append(tags, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("tags for market: %w", err)
	}
	return tags, nil
}

func scanMarket(row pgx.Row, m *Market) error {
	return row.Scan(
		&m.ConditionID,
		&m.Token0,
		&m.Token1,
		&m.BlockNumber,
		&m.TxHash,
		&m.ExternalID,
		&m.Question,
		&m.Slug,
		&m.Outcomes,
		&m.StartDate,
		&m.EndDate,
		&m.MetadataFetchedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
}
