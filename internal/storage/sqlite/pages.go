package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apprenticegc/rfcflow/internal/storage"
)

// sqliteTime is the layout of CURRENT_TIMESTAMP.
const sqliteTime = "2006-01-02 15:04:05"

// UpsertPage inserts or updates a page keyed by page_id.
func (s *Store) UpsertPage(ctx context.Context, rec *storage.PageRecord) error {
	if rec == nil || strings.TrimSpace(rec.PageID) == "" {
		return fmt.Errorf("page id is required")
	}
	status := rec.Status
	if status == "" {
		status = storage.PageStatusActive
	}
	var ident any
	if rec.RFCIdentifier != "" {
		ident = rec.RFCIdentifier
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notion_pages (page_id, title, last_edited_time, content_hash, rfc_identifier, status)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(page_id) DO UPDATE SET
				title = excluded.title,
				last_edited_time = excluded.last_edited_time,
				content_hash = excluded.content_hash,
				rfc_identifier = excluded.rfc_identifier,
				status = excluded.status,
				updated_at = CURRENT_TIMESTAMP
		`, rec.PageID, rec.Title, rec.LastEditedTime, rec.ContentHash, ident, status)
		if err != nil {
			return fmt.Errorf("failed to upsert page %s: %w", rec.PageID, err)
		}
		return nil
	})
}

// GetPage returns the page with the given id or storage.ErrNotFound.
func (s *Store) GetPage(ctx context.Context, pageID string) (*storage.PageRecord, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	var (
		rec                storage.PageRecord
		ident              sql.NullString
		createdAt, updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT page_id, title, last_edited_time, content_hash, rfc_identifier, status, created_at, updated_at
		FROM notion_pages WHERE page_id = ?
	`, pageID).Scan(&rec.PageID, &rec.Title, &rec.LastEditedTime, &rec.ContentHash, &ident, &rec.Status, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page %s: %w", pageID, err)
	}
	rec.RFCIdentifier = ident.String
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

// SetPageStatus flips a page between active and retired.
func (s *Store) SetPageStatus(ctx context.Context, pageID, status string) error {
	if status != storage.PageStatusActive && status != storage.PageStatusRetired {
		return fmt.Errorf("invalid page status %q", status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE notion_pages SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE page_id = ?`, status, pageID)
		if err != nil {
			return fmt.Errorf("failed to update page %s: %w", pageID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// RecordJournal mirrors a journal entry into the database. A repeated
// (page_id, hash, status) triple is ignored.
func (s *Store) RecordJournal(ctx context.Context, pageID, hash, status string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO notion_processing_journal (page_id, hash, status)
			VALUES (?, ?, ?)
		`, pageID, hash, status)
		if err != nil {
			return fmt.Errorf("failed to record journal entry for %s: %w", pageID, err)
		}
		return nil
	})
}

// JournalStatus reports whether (pageID, hash) has been recorded with status.
func (s *Store) JournalStatus(ctx context.Context, pageID, hash, status string) (bool, error) {
	if s.closed.Load() {
		return false, storage.ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notion_processing_journal WHERE page_id = ? AND hash = ? AND status = ?
	`, pageID, hash, status).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query journal: %w", err)
	}
	return n > 0, nil
}

// LogProcessing appends a row to the processing log.
func (s *Store) LogProcessing(ctx context.Context, entry storage.ProcessingEntry) error {
	if entry.Action == "" {
		return fmt.Errorf("processing action is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO processing_log (page_id, action, details, trace_id) VALUES (?, ?, ?, ?)
		`, nullIfEmpty(entry.PageID), entry.Action, nullIfEmpty(entry.Details), nullIfEmpty(entry.TraceID))
		if err != nil {
			return fmt.Errorf("failed to log processing: %w", err)
		}
		return nil
	})
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(sqliteTime, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
