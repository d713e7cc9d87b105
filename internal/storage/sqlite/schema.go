package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is the version stamped after all migrations run.
const CurrentSchemaVersion = 2

const baseSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS notion_pages (
    page_id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    last_edited_time TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    rfc_identifier TEXT,
    created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS github_issues (
    issue_number INTEGER PRIMARY KEY,
    issue_title TEXT NOT NULL,
    issue_state TEXT NOT NULL,
    page_id TEXT,
    content_hash TEXT,
    created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_github_issues_page_id ON github_issues (page_id);

CREATE TABLE IF NOT EXISTS processing_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    page_id TEXT,
    action TEXT NOT NULL,
    details TEXT,
    trace_id TEXT,
    created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const journalSchema = `
CREATE TABLE IF NOT EXISTS notion_processing_journal (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    page_id TEXT NOT NULL,
    hash TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(page_id, hash, status)
);
`

// migration is one additive schema step. Steps must be safe to re-run.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, "base_tables", execSQL(baseSchema)},
	{2, "processing_journal", migrateJournal},
}

func execSQL(stmt string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, stmt)
		return err
	}
}

// migrateJournal adds the journal mirror and the page status column.
// Files created by version 1 tooling lack both.
func migrateJournal(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, journalSchema); err != nil {
		return err
	}
	exists, err := columnExists(ctx, tx, "notion_pages", "status")
	if err != nil {
		return err
	}
	if !exists {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE notion_pages ADD COLUMN status TEXT NOT NULL DEFAULT 'active'`); err != nil {
			return err
		}
	}
	return nil
}

func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	return n > 0, nil
}

// migrate applies every migration above the file's current version in order
// and stamps each one. Versions are never lowered.
func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if int64(m.version) <= current.Int64 {
			continue
		}
		if err := m.apply(ctx, tx); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			return fmt.Errorf("failed to stamp schema version %d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	return nil
}
