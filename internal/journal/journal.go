// Package journal records per-page processing outcomes as JSON lines.
//
// The journal is append-only. Loading tolerates malformed lines so a
// truncated write from a crashed run never blocks the next one.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is the outcome recorded for a (page, hash) pair.
type Status string

const (
	StatusSuccess         Status = "SUCCESS"
	StatusFailedPerm      Status = "FAILED_PERM"
	StatusFailedTransient Status = "FAILED_TRANSIENT"
	StatusUnchanged       Status = "UNCHANGED"
)

// Entry is one journal line.
type Entry struct {
	PageID    string    `json:"page_id"`
	Hash      string    `json:"hash,omitempty"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

type key struct {
	pageID string
	hash   string
}

// Index maps (page_id, hash) to the last recorded status.
type Index struct {
	latest map[key]Status
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{latest: make(map[key]Status)}
}

// Add records e, replacing any earlier status for the same pair. Entries
// without a hash (fetch failures) are not indexed.
func (ix *Index) Add(e Entry) {
	if e.Hash == "" {
		return
	}
	ix.latest[key{e.PageID, e.Hash}] = e.Status
}

// Status returns the latest status for (pageID, hash).
func (ix *Index) Status(pageID, hash string) (Status, bool) {
	s, ok := ix.latest[key{pageID, hash}]
	return s, ok
}

// Processed reports whether (pageID, hash) has already succeeded. An
// UNCHANGED line only follows a success, so it counts too.
func (ix *Index) Processed(pageID, hash string) bool {
	s, ok := ix.Status(pageID, hash)
	return ok && (s == StatusSuccess || s == StatusUnchanged)
}

// Len returns the number of indexed pairs.
func (ix *Index) Len() int {
	return len(ix.latest)
}

// Journal appends entries to a JSONL file.
type Journal struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// Open returns a Journal writing to path. The file is created on first append.
func Open(path string) *Journal {
	return &Journal{path: path, now: time.Now}
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Append writes e as one line. A zero Timestamp is filled with the current time.
func (j *Journal) Append(e Entry) error {
	if e.PageID == "" {
		return errors.New("journal entry requires a page id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o750); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	// #nosec G304 -- journal path comes from configuration
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return f.Close()
}

// Load reads every well-formed entry in file order. A missing file yields
// no entries. The second return value counts skipped lines.
func Load(path string) ([]Entry, int, error) {
	// #nosec G304 -- journal path comes from configuration
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		entries []Entry
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.PageID == "" {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, fmt.Errorf("failed to read journal: %w", err)
	}
	return entries, skipped, nil
}

// LoadIndex loads path and builds an Index from it.
func LoadIndex(path string) (*Index, int, error) {
	entries, skipped, err := Load(path)
	ix := NewIndex()
	for _, e := range entries {
		ix.Add(e)
	}
	return ix, skipped, err
}
