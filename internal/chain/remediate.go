package chain

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/apprenticegc/rfcflow/internal/chainid"
)

// Remediator performs the destructive cleanup calls. Implementations talk
// to the tracker; tests substitute a recorder.
type Remediator interface {
	DeleteBranch(ctx context.Context, name string) error
	CancelRun(ctx context.Context, runID int64) error
	CreateComment(ctx context.Context, number int, body string) error
	ClosePullRequest(ctx context.Context, number int) error
}

// Action kinds applied by the Executor.
const (
	ActionDeleteBranch = "delete-branch"
	ActionCancelRun    = "cancel-run"
	ActionClosePR      = "close-duplicate-pr"
)

// ActionOutcome reports one remediation call.
type ActionOutcome struct {
	ChainID chainid.ID
	Action  string
	Target  string
	Err     error
}

// Executor applies the safe subset of a plan's recommendations.
type Executor struct {
	r          Remediator
	stuckAfter time.Duration
	log        *slog.Logger
}

// NewExecutor returns an Executor using r.
func NewExecutor(r Remediator, stuckAfter time.Duration, log *slog.Logger) *Executor {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Executor{r: r, stuckAfter: stuckAfter, log: log}
}

// Apply deletes unprotected automation branches of branch-only chains,
// cancels stuck runs, and closes every open duplicate pull request except
// the oldest. Failures are recorded in the outcomes; the batch continues.
func (e *Executor) Apply(ctx context.Context, plan *Plan) []ActionOutcome {
	var out []ActionOutcome
	for _, cp := range plan.Chains {
		if ctx.Err() != nil {
			out = append(out, ActionOutcome{ChainID: cp.ChainID, Action: "abort", Err: ctx.Err()})
			return out
		}
		rec := &Record{
			ID:           cp.ChainID,
			Issues:       cp.Evidence.Issues,
			PullRequests: cp.Evidence.PullRequests,
			Branches:     cp.Evidence.Branches,
			Runs:         cp.Evidence.WorkflowRuns,
		}
		if slices.Contains(cp.States, StateBranchOnly) {
			out = append(out, e.deleteBranches(ctx, rec)...)
		}
		if slices.Contains(cp.States, StateCIStuck) {
			out = append(out, e.cancelRuns(ctx, rec, plan.GeneratedAt)...)
		}
		if slices.Contains(cp.States, StateDuplicatePRs) {
			out = append(out, e.closeDuplicates(ctx, rec)...)
		}
	}
	return out
}

func (e *Executor) deleteBranches(ctx context.Context, rec *Record) []ActionOutcome {
	var out []ActionOutcome
	for _, b := range rec.Branches {
		if b.Protected || !chainid.IsAutomationBranch(b.Name) {
			continue
		}
		err := e.r.DeleteBranch(ctx, b.Name)
		e.report(rec.ID, ActionDeleteBranch, b.Name, err)
		out = append(out, ActionOutcome{ChainID: rec.ID, Action: ActionDeleteBranch, Target: b.Name, Err: err})
	}
	return out
}

func (e *Executor) cancelRuns(ctx context.Context, rec *Record, now time.Time) []ActionOutcome {
	var out []ActionOutcome
	for _, run := range StuckRuns(rec, now, e.stuckAfter) {
		target := fmt.Sprintf("%d", run.RunID)
		err := e.r.CancelRun(ctx, run.RunID)
		e.report(rec.ID, ActionCancelRun, target, err)
		out = append(out, ActionOutcome{ChainID: rec.ID, Action: ActionCancelRun, Target: target, Err: err})
	}
	return out
}

func (e *Executor) closeDuplicates(ctx context.Context, rec *Record) []ActionOutcome {
	var open []PullRequest
	for _, pr := range rec.PullRequests {
		if isOpen(pr.State) {
			open = append(open, pr)
		}
	}
	if len(open) < 2 {
		return nil
	}
	// Oldest first; PRs without a creation time sort last.
	slices.SortFunc(open, func(a, b PullRequest) int {
		if az, bz := a.CreatedAt.IsZero(), b.CreatedAt.IsZero(); az != bz {
			if az {
				return 1
			}
			return -1
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Number, b.Number)
	})
	keep := open[0]

	var out []ActionOutcome
	for _, pr := range open[1:] {
		target := fmt.Sprintf("#%d", pr.Number)
		body := fmt.Sprintf("Closing as a duplicate of #%d for %s. Only one automation chain may be active per micro task.", keep.Number, rec.ID)
		err := e.r.CreateComment(ctx, pr.Number, body)
		if err == nil {
			err = e.r.ClosePullRequest(ctx, pr.Number)
		}
		e.report(rec.ID, ActionClosePR, target, err)
		out = append(out, ActionOutcome{ChainID: rec.ID, Action: ActionClosePR, Target: target, Err: err})
	}
	return out
}

func (e *Executor) report(id chainid.ID, action, target string, err error) {
	if err != nil {
		e.log.Warn("remediation failed", "chain", id.String(), "action", action, "target", target, "error", err)
		return
	}
	e.log.Info("remediation applied", "chain", id.String(), "action", action, "target", target)
}
