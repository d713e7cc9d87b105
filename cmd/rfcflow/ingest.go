package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/apprenticegc/rfcflow/internal/debug"
	"github.com/apprenticegc/rfcflow/internal/ingest"
	"github.com/apprenticegc/rfcflow/internal/journal"
	"github.com/apprenticegc/rfcflow/internal/notion"
	"github.com/apprenticegc/rfcflow/internal/storage"
	"github.com/apprenticegc/rfcflow/internal/storage/sqlite"
	"github.com/apprenticegc/rfcflow/internal/summary"
	"github.com/apprenticegc/rfcflow/internal/telemetry"
	"github.com/apprenticegc/rfcflow/internal/ui"
)

var ingestCmd = &cobra.Command{
	Use:     "ingest [page-id...]",
	Short:   "Ingest RFC pages into the tracking store",
	GroupID: "flow",
	Long: `Fetch RFC pages, render and hash their content, and record new or changed
pages in the tracking store. Pages whose (id, hash) already succeeded in the
journal are reported as unchanged and not written again.

Pages come from positional ids, --page, the pages of --database, and the
child pages of --parent.`,
	Run: func(cmd *cobra.Command, args []string) {
		pages, _ := cmd.Flags().GetStringSlice("page")
		database, _ := cmd.Flags().GetString("database")
		parent, _ := cmd.Flags().GetString("parent")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if cmd.Flags().Changed("journal") {
			cfg.Ingest.Journal, _ = cmd.Flags().GetString("journal")
		}
		if cmd.Flags().Changed("db") {
			cfg.Store.Path, _ = cmd.Flags().GetString("db")
		}
		if cmd.Flags().Changed("summary") {
			cfg.Ingest.Summary, _ = cmd.Flags().GetString("summary")
		}

		if cfg.Notion.Token == "" {
			FatalErrorWithHint("missing Notion token", "set NOTION_TOKEN or notion.token in .rfcflow/config.yaml")
			return
		}

		ctx := getRootContext()
		client := newNotionClient()

		ids, err := collectPageIDs(ctx, client, append(args, pages...), database, parent)
		if err != nil {
			FatalError("%v", err)
			return
		}
		if len(ids) == 0 {
			FatalErrorWithHint("no pages to ingest", "pass page ids, --page, --database or --parent")
			return
		}
		debug.Logf("ingesting %d page(s) (dry-run=%v)\n", len(ids), dryRun)

		counts, err := runIngest(ctx, client, ids, dryRun)
		writeIngestSummary(ctx, client.Metrics(), counts)
		if err != nil {
			FatalError("%v", err)
			return
		}
		debug.PrintNormal("%s\n", ui.RenderSeparator())
		debug.PrintNormal("%d page(s): %d new, %d unchanged, %d failed\n",
			counts.Total, counts.New, counts.Unchanged, counts.Failed)
	},
}

func init() {
	ingestCmd.Flags().StringSlice("page", nil, "Page id to ingest (repeatable)")
	ingestCmd.Flags().String("database", "", "Ingest every page of this database")
	ingestCmd.Flags().String("parent", "", "Ingest the child pages of this page")
	ingestCmd.Flags().Bool("dry-run", false, "Report what would change without writing")
	ingestCmd.Flags().String("journal", "", "Journal path (default from ingest.journal)")
	ingestCmd.Flags().String("db", "", "Tracking store path (default from store.path)")
	ingestCmd.Flags().String("summary", "", "Summary file to merge metrics into (default from ingest.summary)")
	rootCmd.AddCommand(ingestCmd)
}

func newNotionClient() *notion.Client {
	c := notion.NewClient(cfg.Notion.Token, notion.Options{
		Rate:        cfg.Notion.Rate,
		Burst:       cfg.Notion.Burst,
		MaxAttempts: cfg.Notion.Retries,
		Timeout:     cfg.Notion.Timeout,
		Logger:      logger,
	})
	if cfg.Notion.APIURL != "" {
		c.WithBaseURL(cfg.Notion.APIURL)
	}
	c.Executor().OnRetry = func(attempt int, wait time.Duration, err error) {
		debug.Logf("notion retry %d in %s: %v\n", attempt, wait, err)
	}
	return c
}

// pageLister is the part of the Notion client used to expand page sources.
type pageLister interface {
	QueryDatabase(ctx context.Context, databaseID string) ([]string, error)
	ChildPages(ctx context.Context, parentID string) ([]notion.ChildPage, error)
}

// collectPageIDs merges explicit ids with database and child page listings,
// keeping first-seen order and dropping duplicates.
func collectPageIDs(ctx context.Context, l pageLister, explicit []string, database, parent string) ([]string, error) {
	var ids []string
	add := func(id string) {
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	for _, id := range explicit {
		add(id)
	}
	if database != "" {
		found, err := l.QueryDatabase(ctx, database)
		if err != nil {
			return nil, err
		}
		for _, id := range found {
			add(id)
		}
	}
	if parent != "" {
		children, err := l.ChildPages(ctx, parent)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			add(c.ID)
		}
	}
	return ids, nil
}

// runIngest runs one batch. Outside dry-run the store is opened as a
// working copy and promoted when the batch ends.
func runIngest(ctx context.Context, fetcher ingest.Fetcher, ids []string, dryRun bool) (ingest.Counts, error) {
	j := journal.Open(cfg.Ingest.Journal)
	opts := ingest.Options{
		DryRun:    dryRun,
		Logger:    logger,
		OnOutcome: printIngestOutcome,
	}

	if dryRun {
		in, err := ingest.New(fetcher, nil, j, opts)
		if err != nil {
			return ingest.Counts{}, err
		}
		return in.IngestBatch(ctx, ids)
	}

	var counts ingest.Counts
	err := sqlite.With(ctx, cfg.Store.Path, storeOptions(), func(s *sqlite.Store) error {
		var ps storage.PageStore = s
		if telemetry.Enabled() {
			ps = telemetry.WrapPageStore(s)
		}
		in, err := ingest.New(fetcher, ps, j, opts)
		if err != nil {
			return err
		}
		counts, err = in.IngestBatch(ctx, ids)
		return err
	})
	return counts, err
}

func printIngestOutcome(o ingest.Outcome) {
	subject := o.PageID
	if o.Title != "" {
		subject = fmt.Sprintf("%s (%s)", o.PageID, o.Title)
	}
	detail := string(o.Result)
	if o.DryRun && o.Result == ingest.ResultNew {
		detail = "would ingest"
	}
	switch o.Result {
	case ingest.ResultNew:
		debug.PrintNormal("%s\n", ui.Outcome(ui.LevelPass, subject, detail))
	case ingest.ResultUnchanged:
		debug.PrintNormal("%s\n", ui.Outcome(ui.LevelSkip, subject, detail))
	default:
		// Failures are always shown, even with --quiet.
		fmt.Fprintln(stdout, ui.Outcome(ui.LevelFail, subject, detail, fmt.Sprint(o.Err)))
	}
}

// writeIngestSummary merges counts and client metrics into the summary file.
func writeIngestSummary(ctx context.Context, m notion.Metrics, counts ingest.Counts) {
	inst := telemetry.Domain()
	inst.Retries.Add(ctx, int64(m.APIRetries))
	inst.ThrottleSleep.Add(ctx, m.ThrottleSleep.Seconds())

	if cfg.Ingest.Summary == "" {
		return
	}
	err := summary.Merge(cfg.Ingest.Summary, map[string]any{
		summary.KeyAPIRetries:     m.APIRetries,
		summary.KeyThrottleSleep:  summary.Seconds(m.ThrottleSleep),
		summary.KeyPagesTotal:     counts.Total,
		summary.KeyPagesNew:       counts.New,
		summary.KeyPagesUnchanged: counts.Unchanged,
		summary.KeyPagesFailed:    counts.Failed,
	})
	if err != nil {
		WarnError("%v", err)
	}
}
