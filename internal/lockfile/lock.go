// Package lockfile implements an advisory lock file with staleness recovery.
//
// The lock is a small JSON file created exclusively in a directory. Its body
// records when and by whom it was taken. A holder that crashed leaves the file
// behind, so a lock whose timestamp is older than the staleness threshold, or
// whose holder process is gone on this host, is reclaimed by the next caller.
// Acquire waits indefinitely otherwise; the staleness rule bounds the wait to
// one threshold period when the holder has died.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/apprenticegc/rfcflow/internal/clock"
)

const (
	// DefaultStaleAfter is how old a lock may get before it is presumed abandoned.
	DefaultStaleAfter = 300 * time.Second

	// DefaultPollInterval is the delay between acquisition attempts.
	DefaultPollInterval = 2 * time.Second
)

// ErrLockBusy is returned by TryAcquire callers that need an error value when
// a live holder owns the lock.
var ErrLockBusy = errors.New("lock file held by another process")

// Info is the JSON body of a lock file.
type Info struct {
	// TS is the acquisition (or last refresh) time in Unix seconds.
	TS        float64   `json:"ts"`
	PID       int       `json:"pid"`
	Host      string    `json:"host,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Time converts TS to a time.Time.
func (i *Info) Time() time.Time {
	sec, frac := math.Modf(i.TS)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Options configures a Lock. Zero values select the defaults.
type Options struct {
	StaleAfter   time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
	// Logf receives diagnostic messages (reclaims, waits). Optional.
	Logf func(format string, args ...any)
}

// Lock is an advisory lock backed by path.
type Lock struct {
	path  string
	guard *flock.Flock
	opts  Options
	host  string
	held  bool
}

// New returns a Lock on path. Nothing is touched until Acquire.
func New(path string, opts Options) *Lock {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	host, _ := os.Hostname()
	return &Lock{
		path:  path,
		guard: flock.New(path + ".guard"),
		opts:  opts,
		host:  host,
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Held reports whether this Lock currently owns the file.
func (l *Lock) Held() bool {
	return l.held
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	start := l.opts.Clock.Now()
	for {
		ok, err := l.TryAcquire()
		if err != nil {
			return err
		}
		if ok {
			if waited := l.opts.Clock.Now().Sub(start); waited > 0 {
				l.opts.Logf("acquired %s after %v\n", l.path, waited)
			}
			return nil
		}
		if err := l.opts.Clock.Sleep(ctx, l.opts.PollInterval); err != nil {
			return fmt.Errorf("waiting for lock %s: %w", l.path, err)
		}
	}
}

// TryAcquire makes one attempt, reclaiming a stale lock first if needed.
func (l *Lock) TryAcquire() (bool, error) {
	if l.held {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}

	ok, err := l.create()
	if err != nil || ok {
		return ok, err
	}

	reclaimed, err := l.reclaimIfStale()
	if err != nil || !reclaimed {
		return false, err
	}
	return l.create()
}

// Refresh rewrites the timestamp of a held lock so long-running holders are
// not mistaken for crashed ones.
func (l *Lock) Refresh() error {
	if !l.held {
		return fmt.Errorf("refresh %s: lock not held", l.path)
	}
	data, err := json.Marshal(l.info())
	if err != nil {
		return fmt.Errorf("failed to marshal lock info: %w", err)
	}
	return os.WriteFile(l.path, data, 0o600)
}

// Release removes the lock file. Safe to call when not held.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (l *Lock) info() Info {
	now := l.opts.Clock.Now()
	return Info{
		TS:        float64(now.UnixNano()) / 1e9,
		PID:       os.Getpid(),
		Host:      l.host,
		StartedAt: now.UTC(),
	}
}

// create writes the lock file exclusively. It reports false when the file
// already exists.
func (l *Lock) create() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	data, err := json.Marshal(l.info())
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("failed to write lock file: %w", err)
	}
	l.held = true
	return true, nil
}

// reclaimIfStale removes the existing lock file when its holder is presumed
// dead. The sidecar guard serializes reclaimers so one cannot delete a lock
// another has just created.
func (l *Lock) reclaimIfStale() (bool, error) {
	locked, err := l.guard.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to lock reclaim guard: %w", err)
	}
	if !locked {
		return false, nil
	}
	defer func() { _ = l.guard.Unlock() }()

	stale, reason := l.isStale()
	if !stale {
		return false, nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to remove stale lock: %w", err)
	}
	l.opts.Logf("reclaimed stale lock %s (%s)\n", l.path, reason)
	return true, nil
}

func (l *Lock) isStale() (bool, string) {
	now := l.opts.Clock.Now()
	info, err := ReadInfo(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "vanished"
		}
		// A holder may not have written its body yet; judge by mtime.
		st, statErr := os.Stat(l.path)
		if statErr != nil {
			return true, "unreadable"
		}
		if now.Sub(st.ModTime()) > l.opts.StaleAfter {
			return true, "unreadable and old"
		}
		return false, ""
	}
	if age := now.Sub(info.Time()); age > l.opts.StaleAfter {
		return true, fmt.Sprintf("age %v exceeds %v", age.Round(time.Second), l.opts.StaleAfter)
	}
	if info.Host != "" && info.Host == l.host && info.PID > 0 && info.PID != os.Getpid() && !isProcessRunning(info.PID) {
		return true, fmt.Sprintf("holder pid %d not running", info.PID)
	}
	return false, ""
}

// ReadInfo parses the lock file at path.
func ReadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid lock file format: %w", err)
	}
	return &info, nil
}
