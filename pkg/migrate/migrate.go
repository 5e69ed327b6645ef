// Package migrate applies the versioned SQL files that create the tables
// the gateway reads. Files are named NNN_description.sql and hold an up
// section and an optional down section separated by "-- +migrate" markers.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lgulliver/darkroom/pkg/config"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// Migration is one versioned schema change
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Status pairs a migration with the time it was applied, if it was
type Status struct {
	Migration
	AppliedAt *time.Time
}

// Migrator applies migrations to a database
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// Open connects to PostgreSQL and loads migrations from dir in fsys
func Open(cfg *config.DatabaseConfig, fsys fs.FS, dir string) (*Migrator, error) {
	migrations, err := Load(fsys, dir)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Migrator{db: db, migrations: migrations}, nil
}

// Load reads and parses every .sql file in dir, ordered by version
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		migration, err := Parse(entry.Name(), string(content))
		if err != nil {
			return nil, err
		}
		if other, ok := seen[migration.Version]; ok {
			return nil, fmt.Errorf("duplicate migration version %d in %s and %s", migration.Version, other, entry.Name())
		}
		seen[migration.Version] = entry.Name()
		migrations = append(migrations, migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Parse builds a Migration from a file name such as 001_device_tokens.sql
// and its content
func Parse(filename, content string) (Migration, error) {
	base := strings.TrimSuffix(filename, ".sql")
	prefix, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return Migration{}, fmt.Errorf("invalid migration filename: %s", filename)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return Migration{}, fmt.Errorf("invalid migration version in %s", filename)
	}

	var up, down []string
	target := &up
	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case upMarker:
			target = &up
			continue
		case downMarker:
			target = &down
			continue
		}
		*target = append(*target, line)
	}

	upSQL := strings.TrimSpace(strings.Join(up, "\n"))
	if upSQL == "" {
		return Migration{}, fmt.Errorf("migration %s has no up section", filename)
	}

	return Migration{
		Version: version,
		Name:    name,
		UpSQL:   upSQL,
		DownSQL: strings.TrimSpace(strings.Join(down, "\n")),
	}, nil
}

// Pending returns the migrations whose versions are not in applied
func Pending(migrations []Migration, applied map[int]time.Time) []Migration {
	var pending []Migration
	for _, m := range migrations {
		if _, ok := applied[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return pending
}

// Up applies every pending migration in version order and returns how many ran
func (m *Migrator) Up(ctx context.Context) (int, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	pending := Pending(m.migrations, applied)
	if len(pending) == 0 {
		log.Info().Msg("No pending migrations")
		return 0, nil
	}

	for i, migration := range pending {
		err := m.inTx(ctx, migration.UpSQL,
			"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", migration.Version, migration.Name)
		if err != nil {
			return i, fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("Applied migration")
	}
	return len(pending), nil
}

// Down reverts the most recently applied migration
func (m *Migrator) Down(ctx context.Context) error {
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		log.Info().Msg("No migrations to roll back")
		return nil
	}

	last := 0
	for version := range applied {
		if version > last {
			last = version
		}
	}

	for _, migration := range m.migrations {
		if migration.Version != last {
			continue
		}
		if migration.DownSQL == "" {
			return fmt.Errorf("migration %d (%s) has no down section", migration.Version, migration.Name)
		}
		if err := m.inTx(ctx, migration.DownSQL, "DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
			return fmt.Errorf("failed to roll back migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("Rolled back migration")
		return nil
	}
	return fmt.Errorf("migration file for version %d not found", last)
}

// Status lists every known migration with its applied time
func (m *Migrator) Status(ctx context.Context) ([]Status, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(m.migrations))
	for _, migration := range m.migrations {
		s := Status{Migration: migration}
		if at, ok := applied[migration.Version]; ok {
			s.AppliedAt = &at
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

// Close closes the database connection
func (m *Migrator) Close() error {
	return m.db.Close()
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = at
	}
	return applied, rows.Err()
}

// inTx runs script and the bookkeeping statement in one transaction
func (m *Migrator) inTx(ctx context.Context, script, record string, args ...interface{}) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
