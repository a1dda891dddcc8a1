package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marko911/polymarket-indexer/internal/gamma"
)

// openTestDB connects to TEST_DATABASE_URL, migrates, and empties the market
// tables. Tests are skipped when no database is available.
func openTestDB(t *testing.T, mutate func(*Config)) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.URL = url
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := New(ctx, cfg)
	if err != nil {
		t.Skipf("Cannot connect to database: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if _, err := db.Pool().Exec(ctx, `TRUNCATE market_tags, tags, markets`); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	return db
}

func strPtr(s string) *string { return &s }

func TestMarketRepository_UpsertIdempotent(t *testing.T) {
	db := openTestDB(t, nil)
	repo := NewMarketRepository(db)
	ctx := context.Background()

	ev := testEvent("0xa1")
	meta := &gamma.Metadata{ID: "1", Question: "Q?", Slug: "q", Outcomes: []string{"Yes", "No"}}

	first, err := repo.Upsert(ctx, ev, meta)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if !first.Inserted {
		t.Error("first upsert should insert")
	}
	before, _ := repo.GetByConditionID(ctx, ev.ConditionIDHex())

	second, err := repo.Upsert(ctx, ev, meta)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if second.Inserted {
		t.Error("second upsert should update")
	}
	after, _ := repo.GetByConditionID(ctx, ev.ConditionIDHex())

	if n, _ := repo.Count(ctx); n != 1 {
		t.Fatalf("expected 1 market, got %d", n)
	}
	if *after.Question != *before.Question || *after.Slug != *before.Slug || *after.ExternalID != *before.ExternalID {
		t.Errorf("record changed: before %+v after %+v", before, after)
	}
	if !after.MetadataFetchedAt.Equal(*before.MetadataFetchedAt) {
		t.Error("metadata_fetched_at must be set once")
	}
	if len(after.Outcomes) != 2 || after.Outcomes[0] != "Yes" {
		t.Errorf("outcomes = %v", after.Outcomes)
	}
}

func TestMarketRepository_MergeMonotonic(t *testing.T) {
	db := openTestDB(t, nil)
	repo := NewMarketRepository(db)
	ctx := context.Background()

	ev := testEvent("0xa2")
	end := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := repo.Upsert(ctx, ev, &gamma.Metadata{Question: "Q?", Slug: "q", EndDate: &end}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if _, err := repo.Upsert(ctx, ev, nil); err != nil {
		t.Fatalf("upsert without metadata failed: %v", err)
	}
	if _, err := repo.Upsert(ctx, ev, &gamma.Metadata{Question: "Q2?"}); err != nil {
		t.Fatalf("partial upsert failed: %v", err)
	}

	m, err := repo.GetByConditionID(ctx, ev.ConditionIDHex())
	if err != nil || m == nil {
		t.Fatalf("get failed: %v", err)
	}
	if m.Question == nil || *m.Question != "Q2?" {
		t.Errorf("non-null question should win, got %v", m.Question)
	}
	if m.Slug == nil || *m.Slug != "q" {
		t.Errorf("slug regressed: %v", m.Slug)
	}
	if m.EndDate == nil || !m.EndDate.Equal(end) {
		t.Errorf("end date regressed: %v", m.EndDate)
	}
	if m.MetadataFetchedAt == nil {
		t.Error("metadata_fetched_at regressed to NULL")
	}
}

func TestMarketRepository_SwappedTokensSingleRecord(t *testing.T) {
	db := openTestDB(t, nil)
	repo := NewMarketRepository(db)
	ctx := context.Background()

	ev := testEvent("0xa3")
	swapped := ev
	swapped.Token0, swapped.Token1 = ev.Token1, ev.Token0

	if _, err := repo.Upsert(ctx, ev, nil); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := repo.Upsert(ctx, swapped, nil); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	m, _ := repo.GetByConditionID(ctx, ev.ConditionIDHex())
	if m.Token0 != ev.Token0.String() {
		t.Errorf("token assignment should be immutable, got token0 %s", m.Token0)
	}
	if n, _ := repo.Count(ctx); n != 1 {
		t.Errorf("expected 1 market, got %d", n)
	}
	if m.MetadataFetchedAt != nil {
		t.Error("metadata_fetched_at should stay NULL without metadata")
	}
}

func TestMarketRepository_ConcurrentSameID(t *testing.T) {
	db := openTestDB(t, func(c *Config) { c.MaxConns = 5; c.AcquireTimeout = 10 * time.Second })
	repo := NewMarketRepository(db)
	ctx := context.Background()

	ev := testEvent("0xa4")
	metas := []*gamma.Metadata{
		{Question: "Q?"},
		{Slug: "slug"},
		{ID: "9"},
		nil,
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(metas)*5)
	for i := 0; i < 5; i++ {
		for _, meta := range metas {
			wg.Add(1)
			go func(meta *gamma.Metadata) {
				defer wg.Done()
				if _, err := repo.Upsert(ctx, ev, meta); err != nil {
					errs <- err
				}
			}(meta)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent upsert failed: %v", err)
	}

	m, _ := repo.GetByConditionID(ctx, ev.ConditionIDHex())
	if m.Question == nil || m.Slug == nil || m.ExternalID == nil {
		t.Errorf("concurrent merges lost a field: %+v", m)
	}
}

func TestMarketRepository_Tags(t *testing.T) {
	db := openTestDB(t, nil)
	repo := NewMarketRepository(db)
	ctx := context.Background()

	ev := testEvent("0xa5")
	if _, err := repo.Upsert(ctx, ev, nil); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	tags := []gamma.Tag{
		{ID: "2", Label: strPtr("Politics"), Slug: strPtr("politics")},
		{ID: "7", Label: strPtr("Crypto")},
	}
	for i := 0; i < 2; i++ {
		if err := repo.InsertTags(ctx, ev.ConditionIDHex(), tags); err != nil {
			t.Fatalf("InsertTags pass %d failed: %v", i, err)
		}
	}
	if err := repo.InsertTags(ctx, ev.ConditionIDHex(), []gamma.Tag{{ID: "7"}}); err != nil {
		t.Fatalf("InsertTags without label failed: %v", err)
	}

	got, err := repo.TagsForMarket(ctx, ev.ConditionIDHex())
	if err != nil {
		t.Fatalf("TagsForMarket failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(got))
	}
	if got[0].ID != "7" || got[0].Label == nil || *got[0].Label != "Crypto" {
		t.Errorf("label should survive a NULL update and order by label, got %+v", got[0])
	}
	if got[1].ID != "2" {
		t.Errorf("unexpected second tag %+v", got[1])
	}
}

func TestMarketRepository_ListMissingMetadata(t *testing.T) {
	db := openTestDB(t, nil)
	repo := NewMarketRepository(db)
	ctx := context.Background()

	for i, id := range []string{"0xb1", "0xb2", "0xb3"} {
		ev := testEvent(id)
		ev.BlockNumber = uint64(100 + i)
		if _, err := repo.Upsert(ctx, ev, nil); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}
	if _, err := repo.Upsert(ctx, testEvent("0xb2"), &gamma.Metadata{Question: "done"}); err != nil {
		t.Fatalf("enrich failed: %v", err)
	}

	missing, err := repo.ListMissingMetadata(ctx, 10)
	if err != nil {
		t.Fatalf("ListMissingMetadata failed: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(missing))
	}
	if missing[0].ConditionID != testEvent("0xb1").ConditionIDHex() || missing[1].ConditionID != testEvent("0xb3").ConditionIDHex() {
		t.Errorf("expected oldest first, got %s, %s", missing[0].ConditionID, missing[1].ConditionID)
	}

	limited, _ := repo.ListMissingMetadata(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("limit not applied, got %d", len(limited))
	}

	n, err := repo.CountMissingMetadata(ctx)
	if err != nil || n != 2 {
		t.Errorf("CountMissingMetadata = %d, %v", n, err)
	}
}

func TestMarketRepository_GetMissing(t *testing.T) {
	db := openTestDB(t, nil)
	repo := NewMarketRepository(db)

	m, err := repo.GetByConditionID(context.Background(), "0xdoesnotexist")
	if err != nil {
		t.Fatalf("GetByConditionID failed: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil, got %+v", m)
	}

	exists, err := repo.Exists(context.Background(), "0xdoesnotexist")
	if err != nil || exists {
		t.Errorf("Exists = %v, %v", exists, err)
	}
}

func TestDB_AcquireTimeout(t *testing.T) {
	db := openTestDB(t, func(c *Config) {
		c.MaxConns = 1
		c.MinConns = 1
		c.AcquireTimeout = 100 * time.Millisecond
	})
	ctx := context.Background()

	held, err := db.Pool().Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer held.Release()

	err = db.WithConn(ctx, func(conn *pgxpool.Conn) error { return nil })
	if !errors.Is(err, ErrPoolTimeout) {
		t.Fatalf("expected ErrPoolTimeout, got %v", err)
	}

	repo := NewMarketRepository(db)
	if _, err := repo.Upsert(ctx, testEvent("0xc1"), nil); !errors.Is(err, ErrPoolTimeout) {
		t.Errorf("Upsert should surface ErrPoolTimeout, got %v", err)
	}
}
