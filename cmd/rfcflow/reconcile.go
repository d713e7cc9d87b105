package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/apprenticegc/rfcflow/internal/chain"
	"github.com/apprenticegc/rfcflow/internal/config"
	"github.com/apprenticegc/rfcflow/internal/debug"
	"github.com/apprenticegc/rfcflow/internal/github"
	"github.com/apprenticegc/rfcflow/internal/summary"
	"github.com/apprenticegc/rfcflow/internal/telemetry"
	"github.com/apprenticegc/rfcflow/internal/ui"
)

var reconcileCmd = &cobra.Command{
	Use:     "reconcile",
	Short:   "Detect inconsistent automation chains and write a remediation plan",
	GroupID: "flow",
	Long: `Group issues, pull requests, branches and workflow runs by RFC micro-task
identifier and flag chains in one of the known broken states:

  branch-only          automation branch left after the issue closed
  issue-only-assigned  assigned issue with no branch or pull request
  pr-closed-conflict   pull request closed without merging
  ci-stuck             run queued or in progress past the threshold
  duplicate-prs        more than one open pull request

The plan is written to --output. Nothing is changed unless --destructive is
given, which deletes stale automation branches, cancels stuck runs and
closes duplicate pull requests (keeping the oldest).`,
	Run: func(cmd *cobra.Command, args []string) {
		applyRepoFlag(cmd)
		applyReconcileFlags(cmd)
		destructive, _ := cmd.Flags().GetBool("destructive")
		emit, _ := cmd.Flags().GetBool("emit-events")
		printPlan, _ := cmd.Flags().GetBool("print")

		client := newGitHubClient()
		ctx := getRootContext()

		plan, err := chain.GeneratePlan(ctx, github.ChainSource{Client: client}, chain.Options{
			Repo:       cfg.GitHub.Repo,
			MaxRuns:    cfg.Reconcile.MaxRuns,
			StuckAfter: cfg.Reconcile.StuckAfter,
		})
		if err != nil {
			FatalError("%v", err)
			return
		}

		format := string(cfg.Reconcile.Format)
		output, err := filepath.Abs(cfg.Reconcile.Output)
		if err != nil {
			FatalError("failed to resolve output path: %v", err)
			return
		}
		if err := plan.WriteFile(output, format); err != nil {
			FatalError("%v", err)
			return
		}
		debug.PrintNormal("Chain consistency plan written to %s\n", output)
		printPlanSummary(plan)

		failures := 0
		if emit {
			failures += emitChainEvents(ctx, client, plan)
		}
		if destructive {
			failures += applyRemediation(ctx, client, plan)
		}

		if printPlan {
			data, err := plan.Encode(format)
			if err != nil {
				FatalError("%v", err)
				return
			}
			_, _ = stdout.Write(data)
		}

		writeReconcileSummary(ctx, plan, client.Metrics(), failures)
	},
}

func init() {
	reconcileCmd.Flags().String("repo", "", "owner/name repository (default from GITHUB_REPOSITORY)")
	reconcileCmd.Flags().String("output", "", "Plan output path (default from reconcile.output)")
	reconcileCmd.Flags().String("format", "", "Plan format: json or yaml (default from reconcile.format)")
	reconcileCmd.Flags().Int("max-runs", 0, "Maximum workflow runs to inspect (default from reconcile.max-runs)")
	reconcileCmd.Flags().Duration("stuck-after", 0, "Age after which an active run is stuck (default from reconcile.stuck-after)")
	reconcileCmd.Flags().Bool("destructive", false, "Apply the safe cleanup actions")
	reconcileCmd.Flags().Bool("emit-events", false, "Send a chain_broken repository_dispatch event per flagged chain")
	reconcileCmd.Flags().Bool("print", false, "Also print the plan to stdout")
	reconcileCmd.Flags().String("summary", "", "Summary file to merge chain counts into (default from ingest.summary)")
	rootCmd.AddCommand(reconcileCmd)
}

func applyReconcileFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("output") {
		cfg.Reconcile.Output, _ = cmd.Flags().GetString("output")
	}
	if cmd.Flags().Changed("format") {
		f, _ := cmd.Flags().GetString("format")
		switch config.Format(f) {
		case config.FormatJSON, config.FormatYAML:
			cfg.Reconcile.Format = config.Format(f)
		default:
			FatalError("invalid --format %q (want json or yaml)", f)
		}
	}
	if cmd.Flags().Changed("max-runs") {
		if n, _ := cmd.Flags().GetInt("max-runs"); n > 0 {
			cfg.Reconcile.MaxRuns = n
		}
	}
	if cmd.Flags().Changed("stuck-after") {
		if d, _ := cmd.Flags().GetDuration("stuck-after"); d > 0 {
			cfg.Reconcile.StuckAfter = d
		}
	}
	if cmd.Flags().Changed("summary") {
		cfg.Ingest.Summary, _ = cmd.Flags().GetString("summary")
	}
}

func printPlanSummary(plan *chain.Plan) {
	for _, cp := range plan.Chains {
		states := make([]string, len(cp.States))
		for i, s := range cp.States {
			states[i] = string(s)
		}
		debug.PrintNormal("%s\n", ui.Outcome(ui.LevelWarn, cp.ChainID.String(), fmt.Sprint(states)))
	}
	if n := plan.Summary.ChainsFlagged; n > 0 {
		debug.PrintNormal("Detected %d chain(s) requiring attention.\n", n)
	} else {
		debug.PrintNormal("No inconsistent chains detected.\n")
	}
}

func emitChainEvents(ctx context.Context, d chain.Dispatcher, plan *chain.Plan) int {
	failures := 0
	for _, o := range chain.EmitEvents(ctx, d, plan, cfg.Reconcile.EventSource, time.Now()) {
		if o.Err != nil {
			failures++
			fmt.Fprintln(stdout, ui.Outcome(ui.LevelFail, o.ChainID, "event not sent", o.Err.Error()))
			continue
		}
		debug.PrintNormal("%s\n", ui.Outcome(ui.LevelInfo, o.ChainID, "event "+o.EventID))
	}
	return failures
}

func applyRemediation(ctx context.Context, r chain.Remediator, plan *chain.Plan) int {
	failures := 0
	exec := chain.NewExecutor(r, cfg.Reconcile.StuckAfter, logger)
	for _, o := range exec.Apply(ctx, plan) {
		subject := o.ChainID.String()
		if o.Err != nil {
			failures++
			fmt.Fprintln(stdout, ui.Outcome(ui.LevelFail, subject, o.Action+" "+o.Target, o.Err.Error()))
			continue
		}
		debug.PrintNormal("%s\n", ui.Outcome(ui.LevelPass, subject, o.Action+" "+o.Target))
	}
	return failures
}

// writeReconcileSummary merges chain counts into the summary file. Retry
// totals there belong to ingestion and are left alone.
func writeReconcileSummary(ctx context.Context, plan *chain.Plan, m github.Metrics, failures int) {
	inst := telemetry.Domain()
	inst.Retries.Add(ctx, int64(m.APIRetries))
	inst.ThrottleSleep.Add(ctx, m.ThrottleSleep.Seconds())

	if cfg.Ingest.Summary == "" {
		return
	}
	err := summary.Merge(cfg.Ingest.Summary, map[string]any{
		summary.KeyChainsTotal:         plan.Summary.ChainsTotal,
		summary.KeyChainsFlagged:       plan.Summary.ChainsFlagged,
		summary.KeyRemediationFailures: failures,
	})
	if err != nil {
		WarnError("%v", err)
	}
}
