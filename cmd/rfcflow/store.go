package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/apprenticegc/rfcflow/internal/debug"
	"github.com/apprenticegc/rfcflow/internal/lockfile"
	"github.com/apprenticegc/rfcflow/internal/storage"
	"github.com/apprenticegc/rfcflow/internal/storage/sqlite"
)

var storeCmd = &cobra.Command{
	Use:     "store",
	Short:   "Inspect and update the local ingestion database",
	GroupID: "maint",
}

var storeSchemaCmd = &cobra.Command{
	Use:   "schema-version",
	Short: "Print the database schema version, migrating if needed",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		applyStoreFlags(cmd)
		var version int
		err := withStore(func(s *sqlite.Store) (err error) {
			version, err = s.SchemaVersion(getRootContext())
			return err
		})
		if err != nil {
			FatalError("%v", err)
			return
		}
		if jsonOutput(cmd) {
			outputJSON(map[string]any{"path": cfg.Store.Path, "schema_version": version})
			return
		}
		fmt.Fprintln(stdout, version)
	},
}

var storePageCmd = &cobra.Command{
	Use:   "page <page-id>",
	Short: "Show the stored state of one page",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		applyStoreFlags(cmd)
		var rec *storage.PageRecord
		err := withStore(func(s *sqlite.Store) (err error) {
			rec, err = s.GetPage(getRootContext(), args[0])
			return err
		})
		if errors.Is(err, storage.ErrNotFound) {
			FatalError("page %s not found", args[0])
			return
		}
		if err != nil {
			FatalError("%v", err)
			return
		}
		if jsonOutput(cmd) {
			outputJSON(pageView{
				PageID:         rec.PageID,
				Title:          rec.Title,
				LastEditedTime: rec.LastEditedTime,
				ContentHash:    rec.ContentHash,
				RFCIdentifier:  rec.RFCIdentifier,
				Status:         rec.Status,
				UpdatedAt:      rec.UpdatedAt,
			})
			return
		}
		fmt.Fprintf(stdout, "%s %s\n", rec.PageID, rec.Title)
		fmt.Fprintf(stdout, "  hash:        %s\n", rec.ContentHash)
		fmt.Fprintf(stdout, "  status:      %s\n", rec.Status)
		fmt.Fprintf(stdout, "  edited:      %s\n", rec.LastEditedTime)
		if rec.RFCIdentifier != "" {
			fmt.Fprintf(stdout, "  identifier:  %s\n", rec.RFCIdentifier)
		}
	},
}

var storeLatestTicketCmd = &cobra.Command{
	Use:   "latest-ticket <identifier>",
	Short: "Show the newest issue created for an RFC identifier",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		applyStoreFlags(cmd)
		var rec *storage.TicketRecord
		err := withStore(func(s *sqlite.Store) (err error) {
			rec, err = s.LatestTicketForIdentifier(getRootContext(), args[0])
			return err
		})
		if errors.Is(err, storage.ErrNotFound) {
			FatalError("no ticket recorded for %s", args[0])
			return
		}
		if err != nil {
			FatalError("%v", err)
			return
		}
		if jsonOutput(cmd) {
			outputJSON(ticketView{
				IssueNumber: rec.IssueNumber,
				IssueTitle:  rec.IssueTitle,
				IssueState:  rec.IssueState,
				PageID:      rec.PageID,
				ContentHash: rec.ContentHash,
				CreatedAt:   rec.CreatedAt,
			})
			return
		}
		fmt.Fprintf(stdout, "#%d %s (%s)\n", rec.IssueNumber, rec.IssueTitle, rec.IssueState)
	},
}

var storeRecordTicketCmd = &cobra.Command{
	Use:   "record-ticket <issue-number> <title> <page-id> <content-hash>",
	Short: "Record an issue created from a page",
	Args:  cobra.ExactArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		applyStoreFlags(cmd)
		number, err := strconv.Atoi(args[0])
		if err != nil || number <= 0 {
			FatalError("invalid issue number %q", args[0])
			return
		}
		err = withStore(func(s *sqlite.Store) error {
			return s.RecordTicket(getRootContext(), number, args[1], args[2], args[3])
		})
		if err != nil {
			FatalError("%v", err)
			return
		}
		debug.PrintNormal("Recorded ticket #%d for page %s\n", number, args[2])
	},
}

type pageView struct {
	PageID         string    `json:"page_id"`
	Title          string    `json:"title"`
	LastEditedTime string    `json:"last_edited_time"`
	ContentHash    string    `json:"content_hash"`
	RFCIdentifier  string    `json:"rfc_identifier,omitempty"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ticketView struct {
	IssueNumber int       `json:"issue_number"`
	IssueTitle  string    `json:"issue_title"`
	IssueState  string    `json:"issue_state"`
	PageID      string    `json:"page_id"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

func init() {
	storeCmd.PersistentFlags().String("db", "", "Database path (default from store.path)")
	for _, c := range []*cobra.Command{storeSchemaCmd, storePageCmd, storeLatestTicketCmd} {
		c.Flags().Bool("json", false, "Output JSON")
	}
	storeCmd.AddCommand(storeSchemaCmd, storePageCmd, storeLatestTicketCmd, storeRecordTicketCmd)
	rootCmd.AddCommand(storeCmd)
}

func applyStoreFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("db") {
		cfg.Store.Path, _ = cmd.Flags().GetString("db")
	}
}

func jsonOutput(cmd *cobra.Command) bool {
	on, _ := cmd.Flags().GetBool("json")
	return on
}

// storeOptions maps the store config onto the locking options.
func storeOptions() sqlite.Options {
	return sqlite.Options{Lock: lockfile.Options{
		StaleAfter:   cfg.Store.LockStale,
		PollInterval: cfg.Store.LockPoll,
		Logf:         debug.Logf,
	}}
}

// withStore runs fn against the configured database under the store lock.
func withStore(fn func(*sqlite.Store) error) error {
	return sqlite.With(getRootContext(), cfg.Store.Path, storeOptions(), fn)
}
