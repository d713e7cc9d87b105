// Package ingest turns external pages into tracked records, skipping pages
// whose content hash was already processed successfully.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/apprenticegc/rfcflow/internal/chainid"
	"github.com/apprenticegc/rfcflow/internal/journal"
	"github.com/apprenticegc/rfcflow/internal/notion"
	"github.com/apprenticegc/rfcflow/internal/retry"
	"github.com/apprenticegc/rfcflow/internal/storage"
	"github.com/apprenticegc/rfcflow/internal/telemetry"
)

// Fetcher retrieves the rendered, hashed state of a page.
type Fetcher interface {
	FetchPageState(ctx context.Context, pageID string) (*notion.PageState, error)
}

// Result is the classification of one page.
type Result string

const (
	ResultNew       Result = "new"
	ResultUnchanged Result = "unchanged"
	ResultFailed    Result = "failed"
)

// Outcome reports what happened to one page.
type Outcome struct {
	PageID string
	Hash   string
	Title  string
	Result Result
	DryRun bool
	Err    error
}

// Counts aggregates a batch.
type Counts struct {
	Total     int
	New       int
	Unchanged int
	Failed    int
}

// Options configures an Ingestor.
type Options struct {
	// DryRun classifies pages without writing to the store or journal.
	DryRun bool
	Logger *slog.Logger
	// OnOutcome, when set, receives every per-page outcome in order.
	OnOutcome func(Outcome)
}

// Ingestor processes batches of page ids.
type Ingestor struct {
	fetcher Fetcher
	store   storage.PageStore
	journal *journal.Journal
	index   *journal.Index
	opts    Options
	log     *slog.Logger
}

// New loads the journal index and returns an Ingestor. store may be nil
// only in dry-run mode.
func New(fetcher Fetcher, store storage.PageStore, j *journal.Journal, opts Options) (*Ingestor, error) {
	if fetcher == nil || j == nil {
		return nil, fmt.Errorf("ingest: fetcher and journal are required")
	}
	if store == nil && !opts.DryRun {
		return nil, fmt.Errorf("ingest: store is required unless dry-run")
	}
	index, skipped, err := journal.LoadIndex(j.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if skipped > 0 {
		log.Warn("skipped malformed journal lines", "path", j.Path(), "count", skipped)
	}
	return &Ingestor{
		fetcher: fetcher,
		store:   store,
		journal: j,
		index:   index,
		opts:    opts,
		log:     log,
	}, nil
}

// IngestBatch processes ids in order. A failing page is journaled and
// counted; it never stops the batch. The returned error is non-nil only when
// the context is cancelled or a store or journal write fails.
func (in *Ingestor) IngestBatch(ctx context.Context, ids []string) (Counts, error) {
	ctx, span := telemetry.Tracer("").Start(ctx, "ingest.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("rfcflow.pages.requested", len(ids)), attribute.Bool("rfcflow.dry_run", in.opts.DryRun))

	var counts Counts
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		counts.Total++
		out, err := in.ingestOne(ctx, id)
		switch out.Result {
		case ResultNew:
			counts.New++
		case ResultUnchanged:
			counts.Unchanged++
		case ResultFailed:
			counts.Failed++
		}
		telemetry.Domain().RecordPage(ctx, string(out.Result))
		if in.opts.OnOutcome != nil {
			in.opts.OnOutcome(out)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return counts, err
		}
	}
	return counts, nil
}

// ingestOne returns a non-nil error only for failures that must stop the batch.
func (in *Ingestor) ingestOne(ctx context.Context, id string) (Outcome, error) {
	out := Outcome{PageID: id, DryRun: in.opts.DryRun}

	state, err := in.fetcher.FetchPageState(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			out.Result = ResultFailed
			out.Err = err
			return out, ctx.Err()
		}
		status := journal.StatusFailedTransient
		if retry.IsPermanent(err) {
			status = journal.StatusFailedPerm
		}
		out.Result = ResultFailed
		out.Err = err
		in.log.Warn("page fetch failed", "page_id", id, "status", status, "error", err)
		if jerr := in.journal.Append(journal.Entry{PageID: id, Status: status, Error: err.Error()}); jerr != nil {
			return out, jerr
		}
		return out, nil
	}
	out.Hash = state.ContentHash
	out.Title = state.Title

	processed, err := in.processed(ctx, id, state.ContentHash)
	if err != nil {
		out.Result = ResultFailed
		out.Err = err
		return out, err
	}
	if processed {
		out.Result = ResultUnchanged
		in.log.Debug("page unchanged", "page_id", id, "hash", state.ContentHash)
		if in.opts.DryRun {
			return out, nil
		}
		entry := journal.Entry{PageID: id, Hash: state.ContentHash, Status: journal.StatusUnchanged}
		if err := in.journal.Append(entry); err != nil {
			return out, err
		}
		in.index.Add(entry)
		return out, nil
	}

	out.Result = ResultNew
	if in.opts.DryRun {
		in.log.Info("dry-run: page would be ingested", "page_id", id, "hash", state.ContentHash)
		return out, nil
	}

	if err := in.persist(ctx, state); err != nil {
		out.Result = ResultFailed
		out.Err = err
		return out, err
	}
	entry := journal.Entry{PageID: id, Hash: state.ContentHash, Status: journal.StatusSuccess}
	if err := in.journal.Append(entry); err != nil {
		return out, err
	}
	in.index.Add(entry)
	in.log.Info("page ingested", "page_id", id, "hash", state.ContentHash)
	return out, nil
}

// processed reports whether (id, hash) was ingested before. A SUCCESS line
// in the JSONL journal only counts when the store holds the matching journal
// row too: the line is written before the working copy is promoted, so a run
// killed in between leaves the line without the row.
func (in *Ingestor) processed(ctx context.Context, id, hash string) (bool, error) {
	if !in.index.Processed(id, hash) {
		return false, nil
	}
	if in.store == nil {
		return true, nil
	}
	ok, err := in.store.JournalStatus(ctx, id, hash, string(journal.StatusSuccess))
	if err != nil {
		return false, fmt.Errorf("failed to check stored journal for %s: %w", id, err)
	}
	if !ok {
		in.log.Warn("journal success missing from store; re-ingesting", "page_id", id, "hash", hash)
	}
	return ok, nil
}

func (in *Ingestor) persist(ctx context.Context, state *notion.PageState) error {
	ident := state.ID
	if cid, ok := chainid.Extract(state.Title); ok {
		ident = cid.String()
	}
	rec := &storage.PageRecord{
		PageID:         state.ID,
		Title:          state.Title,
		LastEditedTime: state.LastEdited,
		ContentHash:    state.ContentHash,
		RFCIdentifier:  ident,
		Status:         storage.PageStatusActive,
	}
	if err := in.store.UpsertPage(ctx, rec); err != nil {
		return fmt.Errorf("failed to store page %s: %w", state.ID, err)
	}
	if err := in.store.RecordJournal(ctx, state.ID, state.ContentHash, string(journal.StatusSuccess)); err != nil {
		return fmt.Errorf("failed to mirror journal for %s: %w", state.ID, err)
	}
	entry := storage.ProcessingEntry{
		PageID:  state.ID,
		Action:  "ingest",
		Details: fmt.Sprintf("hash=%s identifier=%s", state.ContentHash, ident),
		TraceID: uuid.NewString(),
	}
	if err := in.store.LogProcessing(ctx, entry); err != nil {
		return fmt.Errorf("failed to log processing for %s: %w", state.ID, err)
	}
	return nil
}
