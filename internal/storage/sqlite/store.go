// Package sqlite implements the versioned RFC tracking store on SQLite.
//
// A Store never writes to the caller's file directly. Open copies the file
// into a private working directory and every mutation lands in that copy.
// Close takes the directory's advisory lock and atomically promotes the copy
// over the original, so concurrent closers serialize on the promote step and
// a process that dies before Close leaves the original untouched.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	fileatomic "github.com/natefinch/atomic"

	// Import SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/apprenticegc/rfcflow/internal/lockfile"
	"github.com/apprenticegc/rfcflow/internal/storage"
)

// LockFileName is the advisory lock taken in the store's directory during promote.
const LockFileName = ".rfc-db-lock"

const workFileName = "rfc_tracking.tmp.db"

// Options configures Open.
type Options struct {
	// Lock configures the promote lock (staleness threshold, poll interval).
	Lock lockfile.Options
	// TempDir is the parent of the private working directory. Defaults to os.TempDir().
	TempDir string
}

// Store is an open working copy of a tracking database.
type Store struct {
	db       *sql.DB
	path     string
	workDir  string
	workPath string
	opts     Options
	closed   atomic.Bool
}

// Open prepares a working copy of the database at path and migrates it.
// The original file need not exist.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	workDir, err := os.MkdirTemp(opts.TempDir, "rfcdbv2-")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}
	workPath := filepath.Join(workDir, workFileName)

	if err := copyIfExists(absPath, workPath); err != nil {
		_ = os.RemoveAll(workDir)
		return nil, err
	}

	// journal_mode=DELETE keeps the working copy a single file so promote
	// never strands writes in a WAL sidecar.
	connStr := "file:" + workPath + "?_busy_timeout=30000&_foreign_keys=on&_journal_mode=DELETE"
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		_ = os.RemoveAll(workDir)
		return nil, err
	}

	return &Store{
		db:       db,
		path:     absPath,
		workDir:  workDir,
		workPath: workPath,
		opts:     opts,
	}, nil
}

// With opens the store at path, runs fn and closes (promotes) the store on
// every return path. If fn panics the working copy is discarded and the panic
// is re-raised, leaving the original file untouched.
func With(ctx context.Context, path string, opts Options, fn func(*Store) error) (err error) {
	s, err := Open(ctx, path, opts)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = s.Discard()
			panic(r)
		}
	}()

	fnErr := fn(s)
	closeErr := s.CloseContext(ctx)
	return errors.Join(fnErr, closeErr)
}

// Path returns the absolute path of the original database file.
func (s *Store) Path() string {
	return s.path
}

// Close promotes the working copy over the original file.
func (s *Store) Close() error {
	return s.CloseContext(context.Background())
}

// CloseContext promotes the working copy, waiting on the advisory lock until
// it is free or ctx is done. A cancelled wait leaves the original untouched.
func (s *Store) CloseContext(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer func() { _ = os.RemoveAll(s.workDir) }()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close working copy: %w", err)
	}

	lock := lockfile.New(filepath.Join(filepath.Dir(s.path), LockFileName), s.opts.Lock)
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("failed to acquire store lock: %w", err)
	}
	defer func() { _ = lock.Release() }()

	if err := promote(s.workPath, s.path); err != nil {
		return err
	}
	return nil
}

// Discard drops the working copy without touching the original file.
func (s *Store) Discard() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	closeErr := s.db.Close()
	if err := os.RemoveAll(s.workDir); err != nil {
		return errors.Join(closeErr, fmt.Errorf("failed to remove working directory: %w", err))
	}
	return closeErr
}

// SchemaVersion returns the highest applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// promote copies src next to dst and renames it into place, so readers of dst
// see either the old or the new file and never a partial write.
func promote(src, dst string) error {
	f, err := os.Open(src) // #nosec G304 -- src is our private working copy
	if err != nil {
		return fmt.Errorf("failed to open working copy: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := fileatomic.WriteFile(dst, f); err != nil {
		return fmt.Errorf("failed to promote working copy: %w", err)
	}
	return nil
}

func copyIfExists(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- caller-supplied database path
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open database file: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create working copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy database: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to copy database: %w", err)
	}
	return nil
}
