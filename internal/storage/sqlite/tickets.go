package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/apprenticegc/rfcflow/internal/storage"
)

// RecordTicket stores a created issue against the page it came from.
// Recording the same issue number again replaces the row.
func (s *Store) RecordTicket(ctx context.Context, number int, title, pageID, contentHash string) error {
	if number <= 0 {
		return fmt.Errorf("invalid issue number %d", number)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO github_issues (issue_number, issue_title, issue_state, page_id, content_hash)
			VALUES (?, ?, 'open', ?, ?)
		`, number, title, nullIfEmpty(pageID), nullIfEmpty(contentHash))
		if err != nil {
			return fmt.Errorf("failed to record issue #%d: %w", number, err)
		}
		return nil
	})
}

// LatestTicketForIdentifier returns the newest issue whose page carries the
// given RFC identifier, compared case-insensitively.
func (s *Store) LatestTicketForIdentifier(ctx context.Context, identifier string) (*storage.TicketRecord, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	var (
		rec             storage.TicketRecord
		pageID, hash    sql.NullString
		created, update string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT gi.issue_number, gi.issue_title, gi.issue_state, gi.page_id, gi.content_hash,
		       gi.created_at, gi.updated_at
		FROM github_issues gi
		JOIN notion_pages np ON np.page_id = gi.page_id
		WHERE UPPER(np.rfc_identifier) = UPPER(?)
		ORDER BY gi.created_at DESC, gi.rowid DESC
		LIMIT 1
	`, identifier).Scan(&rec.IssueNumber, &rec.IssueTitle, &rec.IssueState, &pageID, &hash, &created, &update)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up issue for %s: %w", identifier, err)
	}
	rec.PageID = pageID.String
	rec.ContentHash = hash.String
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(update)
	return &rec, nil
}

var (
	_ storage.PageStore   = (*Store)(nil)
	_ storage.TicketStore = (*Store)(nil)
)
