package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockID serializes Migrate across processes starting together.
const migrationLockID int64 = 0x706d696e64657872

// MigrationRecord tracks applied migrations.
type MigrationRecord struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// MigrationStatus describes one embedded migration and whether it has run.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

type migration struct {
	version int
	name    string
	up      string
	down    string
}

// Migrate applies all pending migrations in version order, each in its own
// transaction.
func (db *DB) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	return db.withMigrationLock(ctx, func(conn *pgxpool.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return fmt.Errorf("ensure migrations table: %w", err)
		}

		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return fmt.Errorf("get applied migrations: %w", err)
		}

		for _, mig := range migrations {
			if _, ok := applied[mig.version]; ok {
				continue
			}
			if err := applyMigration(ctx, conn, mig); err != nil {
				return fmt.Errorf("apply migration %s: %w", mig.name, err)
			}
		}
		return nil
	})
}

// MigrateDown rolls back the last N applied migrations.
func (db *DB) MigrateDown(ctx context.Context, steps int) error {
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	byVersion := make(map[int]migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.version] = m
	}

	return db.withMigrationLock(ctx, func(conn *pgxpool.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return fmt.Errorf("ensure migrations table: %w", err)
		}
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return fmt.Errorf("get applied migrations: %w", err)
		}

		versions := make([]int, 0, len(applied))
		for v := range applied {
			versions = append(versions, v)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(versions)))

		if steps > len(versions) {
			steps = len(versions)
		}
		for _, v := range versions[:steps] {
			mig, ok := byVersion[v]
			if !ok || mig.down == "" {
				return fmt.Errorf("no down migration for version %d", v)
			}
			if err := rollbackMigration(ctx, conn, mig); err != nil {
				return fmt.Errorf("rollback migration %s: %w", mig.name, err)
			}
		}
		return nil
	})
}

// MigrationStatus lists embedded migrations with their applied state.
func (db *DB) MigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	var applied map[int]MigrationRecord
	err = db.WithConn(ctx, func(conn *pgxpool.Conn) error {
		if err := ensureMigrationsTable(ctx, conn); err != nil {
			return err
		}
		applied, err = appliedMigrations(ctx, conn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		st := MigrationStatus{Version: m.version, Name: m.name}
		if rec, ok := applied[m.version]; ok {
			at := rec.AppliedAt
			st.Applied = true
			st.AppliedAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}

func (db *DB) withMigrationLock(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	return db.WithConn(ctx, func(conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		defer func() {
			_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)
		}()
		return fn(conn)
	})
}

func ensureMigrationsTable(ctx context.Context, conn *pgxpool.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func appliedMigrations(ctx context.Context, conn *pgxpool.Conn) (map[int]MigrationRecord, error) {
	rows, err := conn.Query(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[int]MigrationRecord)
	for rows.Next() {
		var r MigrationRecord
		if err := rows.Scan(&r.Version, &r.Name, &r.AppliedAt); err != nil {
			return nil, err
		}
		records[r.Version] = r
	}
	return records, rows.Err()
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, mig migration) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.up); err != nil {
			return fmt.Errorf("execute sql: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.version, mig.name); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		return nil
	})
}

func rollbackMigration(ctx context.Context, conn *pgxpool.Conn, mig migration) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.down); err != nil {
			return fmt.Errorf("execute rollback: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mig.version); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		return nil
	})
}

// loadMigrations pairs NNN_name.up.sql with its .down.sql, sorted by version.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, err
	}

	byVersion := make(map[int]*migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, direction, ok := parseMigrationFilename(e.Name())
		if !ok {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join("migrations", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}

		m, exists := byVersion[version]
		if !exists {
			m = &migration{version: version, name: name}
			byVersion[version] = m
		} else if m.name != name {
			return nil, fmt.Errorf("version %d used by %s and %s", version, m.name, name)
		}
		if direction == "up" {
			m.up = string(content)
		} else {
			m.down = string(content)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up == "" {
			return nil, fmt.Errorf("migration %s has no up script", m.name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// parseMigrationFilename splits "001_create_markets.up.sql" into
// (1, "001_create_markets", "up").
func parseMigrationFilename(base string) (int, string, string, bool) {
	var direction string
	switch {
	case strings.HasSuffix(base, ".up.sql"):
		direction = "up"
	case strings.HasSuffix(base, ".down.sql"):
		direction = "down"
	default:
		return 0, "", "", false
	}
	name := strings.TrimSuffix(base, "."+direction+".sql")

	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return 0, "", "", false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", "", false
	}
	return version, name, direction, true
}
