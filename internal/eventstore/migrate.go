package eventstore

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"briefly/internal/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type migration struct {
	version     int
	description string
	sql         string
}

// Migrate applies every pending migration embedded under migrations/,
// tracked in a schema_migrations table, so a fresh database is brought
// up to the schema this package's queries assume without a separate
// deploy-time tool. Grounded on the teacher's
// internal/persistence/migrate.go embed.FS + schema_migrations pattern.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("eventstore: create schema_migrations: %w", err)
	}

	applied, err := s.appliedMigrationVersions(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: load applied migrations: %w", err)
	}

	available, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("eventstore: load migration files: %w", err)
	}

	for _, m := range available {
		if applied[m.version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("eventstore: apply migration %d: %w", m.version, err)
		}
		logger.Info("applied event store migration", "version", m.version, "description", m.description)
	}
	return nil
}

func (s *Store) appliedMigrationVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, description) VALUES ($1, $2)
		ON CONFLICT (version) DO NOTHING`, m.version, m.description); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// loadMigrations reads every embedded *.sql file, parsing its ordering
// version and description from the "NNNN_description.sql" filename
// convention, and returns them sorted ascending by version.
func loadMigrations() ([]migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, migration{
			version:     version,
			description: strings.ReplaceAll(strings.TrimSuffix(parts[1], ".sql"), "_", " "),
			sql:         string(content),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}
