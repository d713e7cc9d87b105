package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/apprenticegc/rfcflow/internal/storage"
)

// withTx runs fn inside a transaction on the working copy.
//
// On error or panic the transaction is rolled back before the error is
// returned (or the panic re-raised), so the working copy never reflects a
// half-applied mutation.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
