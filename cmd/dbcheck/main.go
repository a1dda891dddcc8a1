// Command dbcheck inspects the market store.
//
// Usage:
//
//	dbcheck                      # counts and a sample of markets missing metadata
//	dbcheck --market=0xabc...    # one market with its tags
//	dbcheck --migrations         # migration status
//	dbcheck --migrate-down=1     # roll back the latest migration
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/marko911/polymarket-indexer/internal/config"
	"github.com/marko911/polymarket-indexer/internal/ctf"
	"github.com/marko911/polymarket-indexer/internal/platform/storage"
)

func main() {
	var (
		configPath  = flag.String("config", envOrDefault("INDEXER_CONFIG", ""), "Path to YAML config file")
		market      = flag.String("market", "", "Show one market and its tags by condition id")
		missing     = flag.Int("missing", 20, "How many markets missing metadata to list")
		migrations  = flag.Bool("migrations", false, "Show migration status")
		migrateDown = flag.Int("migrate-down", 0, "Roll back N migrations")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if cfg.Database.URL == "" {
		fatalf("database url is required (DATABASE_URL)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := storage.New(ctx, cfg.StorageConfig())
	if err != nil {
		fatalf("connect database: %v", err)
	}
	defer db.Close()

	switch {
	case *migrateDown > 0:
		if err := db.MigrateDown(ctx, *migrateDown); err != nil {
			fatalf("migrate down: %v", err)
		}
		fmt.Printf("Rolled back %d migration(s)\n", *migrateDown)
		err = printMigrations(ctx, os.Stdout, db)
	case *migrations:
		err = printMigrations(ctx, os.Stdout, db)
	case *market != "":
		err = printMarket(ctx, os.Stdout, storage.NewMarketRepository(db), *market)
	default:
		err = printOverview(ctx, os.Stdout, storage.NewMarketRepository(db), *missing)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

type marketReader interface {
	Count(ctx context.Context) (int64, error)
	CountMissingMetadata(ctx context.Context) (int64, error)
	ListMissingMetadata(ctx context.Context, limit int) ([]storage.Market, error)
	GetByConditionID(ctx context.Context, conditionID string) (*storage.Market, error)
	TagsForMarket(ctx context.Context, conditionID string) ([]storage.Tag, error)
}

func printOverview(ctx context.Context, out io.Writer, repo marketReader, limit int) error {
	total, err := repo.Count(ctx)
	if err != nil {
		return fmt.Errorf("count markets: %w", err)
	}
	missing, err := repo.CountMissingMetadata(ctx)
	if err != nil {
		return fmt.Errorf("count missing metadata: %w", err)
	}

	fmt.Fprintf(out, "Markets:          %d\n", total)
	fmt.Fprintf(out, "Missing metadata: %d\n", missing)
	if missing == 0 || limit <= 0 {
		return nil
	}

	markets, err := repo.ListMissingMetadata(ctx, limit)
	if err != nil {
		return fmt.Errorf("list missing metadata: %w", err)
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONDITION ID\tBLOCK\tCREATED")
	for _, m := range markets {
		fmt.Fprintf(w, "%s\t%d\t%s\n", m.ConditionID, m.BlockNumber, m.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printMarket(ctx context.Context, out io.Writer, repo marketReader, conditionID string) error {
	id, err := ctf.ParseConditionID(conditionID)
	if err != nil {
		return fmt.Errorf("invalid condition id: %w", err)
	}
	hex := ctf.ConditionIDHex(id)

	m, err := repo.GetByConditionID(ctx, hex)
	if err != nil {
		return fmt.Errorf("get market: %w", err)
	}
	if m == nil {
		return fmt.Errorf("market %s not found", hex)
	}
	tags, err := repo.TagsForMarket(ctx, hex)
	if err != nil {
		return fmt.Errorf("get tags: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Condition ID:\t%s\n", m.ConditionID)
	fmt.Fprintf(w, "Tokens:\t%s / %s\n", m.Token0, m.Token1)
	fmt.Fprintf(w, "Block:\t%d\n", m.BlockNumber)
	fmt.Fprintf(w, "Tx:\t%s\n", m.TxHash)
	fmt.Fprintf(w, "Market ID:\t%s\n", deref(m.ExternalID))
	fmt.Fprintf(w, "Question:\t%s\n", deref(m.Question))
	fmt.Fprintf(w, "Slug:\t%s\n", deref(m.Slug))
	fmt.Fprintf(w, "Outcomes:\t%s\n", strings.Join(m.Outcomes, ", "))
	fmt.Fprintf(w, "Start:\t%s\n", formatTime(m.StartDate))
	fmt.Fprintf(w, "End:\t%s\n", formatTime(m.EndDate))
	fmt.Fprintf(w, "Metadata fetched:\t%s\n", formatTime(m.MetadataFetchedAt))
	fmt.Fprintf(w, "Created:\t%s\n", m.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:\t%s\n", m.UpdatedAt.Format(time.RFC3339))
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nTags (%d):\n", len(tags))
	for _, t := range tags {
		fmt.Fprintf(out, "  %s\t%s\n", t.ID, deref(t.Label))
	}
	return nil
}

func printMigrations(ctx context.Context, out io.Writer, db *storage.DB) error {
	status, err := db.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
	for _, s := range status {
		applied := "no"
		if s.Applied {
			applied = formatTime(s.AppliedAt)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.Version, s.Name, applied)
	}
	return w.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "dbcheck: "+format+"\n", args...)
	os.Exit(1)
}

// envOrDefault returns environment variable value or default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
