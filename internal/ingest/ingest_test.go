package ingest

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apprenticegc/rfcflow/internal/journal"
	"github.com/apprenticegc/rfcflow/internal/notion"
	"github.com/apprenticegc/rfcflow/internal/retry"
	"github.com/apprenticegc/rfcflow/internal/storage"
	"github.com/apprenticegc/rfcflow/internal/storage/sqlite"
)

type fakeFetcher struct {
	pages map[string]*notion.PageState
	errs  map[string]error
	calls int
}

func (f *fakeFetcher) FetchPageState(_ context.Context, id string) (*notion.PageState, error) {
	f.calls++
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	if p, ok := f.pages[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, retry.CheckStatus(http.StatusNotFound, nil)
}

type memStore struct {
	pages      map[string]storage.PageRecord
	journal    []string
	processed  []storage.ProcessingEntry
	failUpsert error
}

func newMemStore() *memStore {
	return &memStore{pages: map[string]storage.PageRecord{}}
}

func (m *memStore) UpsertPage(_ context.Context, rec *storage.PageRecord) error {
	if m.failUpsert != nil {
		return m.failUpsert
	}
	m.pages[rec.PageID] = *rec
	return nil
}

func (m *memStore) RecordJournal(_ context.Context, pageID, hash, status string) error {
	m.journal = append(m.journal, pageID+"|"+hash+"|"+status)
	return nil
}

func (m *memStore) JournalStatus(_ context.Context, pageID, hash, status string) (bool, error) {
	return slices.Contains(m.journal, pageID+"|"+hash+"|"+status), nil
}

func (m *memStore) LogProcessing(_ context.Context, e storage.ProcessingEntry) error {
	m.processed = append(m.processed, e)
	return nil
}

func page(id, title, content string) *notion.PageState {
	return &notion.PageState{
		ID:          id,
		Title:       title,
		LastEdited:  "2025-01-01T00:00:00Z",
		Content:     content,
		ContentHash: notion.PageHash(content, "2025-01-01T00:00:00Z", title),
	}
}

func newIngestor(t *testing.T, f Fetcher, s storage.PageStore, path string, dry bool) *Ingestor {
	t.Helper()
	in, err := New(f, s, journal.Open(path), Options{DryRun: dry})
	require.NoError(t, err)
	return in
}

func TestFirstRunNewSecondRunUnchanged(t *testing.T) {
	ctx := context.Background()
	jpath := filepath.Join(t.TempDir(), "journal.jsonl")
	f := &fakeFetcher{pages: map[string]*notion.PageState{
		"a": page("a", "Game-RFC-007-03 Movement", "body a"),
		"b": page("b", "Untitled", "body b"),
	}}
	store := newMemStore()

	counts, err := newIngestor(t, f, store, jpath, false).IngestBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 2, New: 2}, counts)
	assert.Equal(t, "RFC-007-03", store.pages["a"].RFCIdentifier)
	assert.Equal(t, "b", store.pages["b"].RFCIdentifier, "pages without an identifier fall back to the page id")
	assert.Len(t, store.journal, 2)
	require.Len(t, store.processed, 2)
	assert.NotEmpty(t, store.processed[0].TraceID)

	counts, err = newIngestor(t, f, store, jpath, false).IngestBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 2, Unchanged: 2}, counts)

	entries, _, err := journal.Load(jpath)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, journal.StatusUnchanged, entries[3].Status)
}

func TestChangedContentIsNew(t *testing.T) {
	ctx := context.Background()
	jpath := filepath.Join(t.TempDir(), "journal.jsonl")
	f := &fakeFetcher{pages: map[string]*notion.PageState{"a": page("a", "T", "v1")}}
	store := newMemStore()

	_, err := newIngestor(t, f, store, jpath, false).IngestBatch(ctx, []string{"a"})
	require.NoError(t, err)

	f.pages["a"] = page("a", "T", "v2")
	counts, err := newIngestor(t, f, store, jpath, false).IngestBatch(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.New)
	assert.Equal(t, f.pages["a"].ContentHash, store.pages["a"].ContentHash)
}

func TestDuplicateWithinBatchIsUnchanged(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*notion.PageState{"a": page("a", "T", "x")}}
	counts, err := newIngestor(t, f, newMemStore(), filepath.Join(t.TempDir(), "j"), false).
		IngestBatch(context.Background(), []string{"a", "a"})
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 2, New: 1, Unchanged: 1}, counts)
}

func TestDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	jpath := filepath.Join(t.TempDir(), "journal.jsonl")
	f := &fakeFetcher{pages: map[string]*notion.PageState{"a": page("a", "T", "x")}}

	var outcomes []Outcome
	in, err := New(f, nil, journal.Open(jpath), Options{
		DryRun:    true,
		OnOutcome: func(o Outcome) { outcomes = append(outcomes, o) },
	})
	require.NoError(t, err)

	counts, err := in.IngestBatch(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 1, New: 1}, counts)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].DryRun)

	entries, _, err := journal.Load(jpath)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDryRunReportsUnchangedWithoutJournaling(t *testing.T) {
	ctx := context.Background()
	jpath := filepath.Join(t.TempDir(), "journal.jsonl")
	f := &fakeFetcher{pages: map[string]*notion.PageState{"a": page("a", "T", "x")}}

	_, err := newIngestor(t, f, newMemStore(), jpath, false).IngestBatch(ctx, []string{"a"})
	require.NoError(t, err)

	counts, err := newIngestor(t, f, nil, jpath, true).IngestBatch(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Unchanged)

	entries, _, err := journal.Load(jpath)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFailuresAreJournaledAndBatchContinues(t *testing.T) {
	ctx := context.Background()
	jpath := filepath.Join(t.TempDir(), "journal.jsonl")
	f := &fakeFetcher{
		pages: map[string]*notion.PageState{"ok": page("ok", "T", "x")},
		errs: map[string]error{
			"flaky": &retry.TransientError{Status: http.StatusServiceUnavailable, Err: errors.New("unavailable")},
		},
	}

	counts, err := newIngestor(t, f, newMemStore(), jpath, false).IngestBatch(ctx, []string{"missing", "flaky", "ok"})
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 3, New: 1, Failed: 2}, counts)

	entries, _, err := journal.Load(jpath)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, journal.StatusFailedPerm, entries[0].Status)
	assert.NotEmpty(t, entries[0].Error)
	assert.Equal(t, journal.StatusFailedTransient, entries[1].Status)
	assert.Equal(t, journal.StatusSuccess, entries[2].Status)
}

func TestStoreFailureStopsBatch(t *testing.T) {
	f := &fakeFetcher{pages: map[string]*notion.PageState{
		"a": page("a", "T", "x"),
		"b": page("b", "T", "y"),
	}}
	store := newMemStore()
	store.failUpsert = errors.New("disk full")

	counts, err := newIngestor(t, f, store, filepath.Join(t.TempDir(), "j"), false).
		IngestBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, Counts{Total: 1, Failed: 1}, counts)
	assert.Equal(t, 1, f.calls)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeFetcher{}
	counts, err := newIngestor(t, f, newMemStore(), filepath.Join(t.TempDir(), "j"), false).IngestBatch(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, counts.Total)
}

func TestNewRequiresStoreOutsideDryRun(t *testing.T) {
	_, err := New(&fakeFetcher{}, nil, journal.Open(filepath.Join(t.TempDir(), "j")), Options{})
	assert.Error(t, err)
}

func TestIngestIntoSQLiteStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "rfc_tracking.db")
	jpath := filepath.Join(dir, "journal.jsonl")
	f := &fakeFetcher{pages: map[string]*notion.PageState{"p": page("p", "RFC-012-01 Save", "content")}}

	require.NoError(t, sqlite.With(ctx, dbPath, sqlite.Options{TempDir: dir}, func(s *sqlite.Store) error {
		_, err := newIngestor(t, f, s, jpath, false).IngestBatch(ctx, []string{"p"})
		return err
	}))

	require.NoError(t, sqlite.With(ctx, dbPath, sqlite.Options{TempDir: dir}, func(s *sqlite.Store) error {
		got, err := s.GetPage(ctx, "p")
		if err != nil {
			return err
		}
		assert.Equal(t, f.pages["p"].ContentHash, got.ContentHash)
		ok, err := s.JournalStatus(ctx, "p", got.ContentHash, string(journal.StatusSuccess))
		assert.True(t, ok)
		return err
	}))
}

func TestDiscardedRunIsReingested(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "rfc_tracking.db")
	jpath := filepath.Join(dir, "journal.jsonl")
	f := &fakeFetcher{pages: map[string]*notion.PageState{"p": page("p", "RFC-012-01 Save", "content")}}

	// The run dies before its working copy is promoted.
	s, err := sqlite.Open(ctx, dbPath, sqlite.Options{TempDir: dir})
	require.NoError(t, err)
	counts, err := newIngestor(t, f, s, jpath, false).IngestBatch(ctx, []string{"p"})
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 1, New: 1}, counts)
	require.NoError(t, s.Discard())

	require.NoError(t, sqlite.With(ctx, dbPath, sqlite.Options{TempDir: dir}, func(s *sqlite.Store) error {
		counts, err := newIngestor(t, f, s, jpath, false).IngestBatch(ctx, []string{"p"})
		assert.Equal(t, Counts{Total: 1, New: 1}, counts)
		return err
	}))

	require.NoError(t, sqlite.With(ctx, dbPath, sqlite.Options{TempDir: dir}, func(s *sqlite.Store) error {
		got, err := s.GetPage(ctx, "p")
		if err != nil {
			return err
		}
		assert.Equal(t, f.pages["p"].ContentHash, got.ContentHash)
		counts, err := newIngestor(t, f, s, jpath, false).IngestBatch(ctx, []string{"p"})
		assert.Equal(t, Counts{Total: 1, Unchanged: 1}, counts)
		return err
	}))
}

func TestJournalLineWithoutStoredRowIsNew(t *testing.T) {
	ctx := context.Background()
	jpath := filepath.Join(t.TempDir(), "journal.jsonl")
	f := &fakeFetcher{pages: map[string]*notion.PageState{"a": page("a", "T", "x")}}
	require.NoError(t, journal.Open(jpath).Append(journal.Entry{
		PageID: "a", Hash: f.pages["a"].ContentHash, Status: journal.StatusSuccess,
	}))

	store := newMemStore()
	counts, err := newIngestor(t, f, store, jpath, false).IngestBatch(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 1, New: 1}, counts)
	assert.Contains(t, store.pages, "a")
}
