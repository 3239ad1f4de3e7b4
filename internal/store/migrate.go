package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator applies the embedded schema migrations in order. File naming
// follows golang-migrate: {version}_{name}.up.sql / .down.sql.
type Migrator struct {
	db     *sqlx.DB
	files  fs.FS
	logger zerolog.Logger
}

// NewMigrator creates a migrator over the embedded migrations.
func NewMigrator(db *sqlx.DB, logger zerolog.Logger) *Migrator {
	sub, _ := fs.Sub(migrationFS, "migrations")
	return &Migrator{db: db, files: sub, logger: logger}
}

// Up applies all pending up-migrations and returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, fmt.Errorf("ensure migration table: %w", err)
	}

	var versions []string
	if err := m.db.SelectContext(ctx, &versions, `SELECT version FROM schema_migrations`); err != nil {
		return 0, fmt.Errorf("get applied versions: %w", err)
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	files, err := MigrationFiles(m.files, ".up.sql")
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}

	n := 0
	for _, f := range files {
		version := migrationVersion(f)
		if applied[version] {
			continue
		}
		content, err := fs.ReadFile(m.files, f)
		if err != nil {
			return n, fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := m.db.BeginTxx(ctx, nil)
		if err != nil {
			return n, fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return n, fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, filename) VALUES ($1, $2)`, version, f,
		); err != nil {
			tx.Rollback()
			return n, fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return n, fmt.Errorf("commit migration %s: %w", f, err)
		}

		m.logger.Info().Str("file", f).Msg("applied migration")
		n++
	}
	return n, nil
}

// Down rolls back the most recently applied migration. It reports false
// when nothing was applied.
func (m *Migrator) Down(ctx context.Context) (bool, error) {
	if err := m.ensureTable(ctx); err != nil {
		return false, err
	}

	var last struct {
		Version  string `db:"version"`
		Filename string `db:"filename"`
	}
	err := m.db.GetContext(ctx, &last,
		`SELECT version, filename FROM schema_migrations ORDER BY version DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(last.Filename, ".up.sql", ".down.sql", 1)
	content, err := fs.ReadFile(m.files, downFile)
	if err != nil {
		return false, fmt.Errorf("read down migration %s: %w", downFile, err)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("exec down migration %s: %w", downFile, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_migrations WHERE version = $1`, last.Version,
	); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("remove migration record %s: %w", last.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	m.logger.Info().Str("file", downFile).Msg("rolled back migration")
	return true, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// MigrationFiles lists files in fsys ending in suffix, sorted by name.
func MigrationFiles(fsys fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// migrationVersion returns the numeric prefix of a migration filename,
// e.g. "000001_ledger.up.sql" -> "000001".
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
