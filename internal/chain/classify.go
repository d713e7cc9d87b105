package chain

import (
	"slices"
	"time"
)

// State is a detected inconsistency.
type State string

const (
	// StateBranchOnly: automation branches remain after the ticket closed
	// with no open pull request.
	StateBranchOnly State = "branch-only"
	// StateIssueOnlyAssigned: an assigned open ticket never got a branch or
	// pull request.
	StateIssueOnlyAssigned State = "issue-only-assigned"
	// StatePRClosedConflict: a pull request was closed without merging.
	StatePRClosedConflict State = "pr-closed-conflict"
	// StateCIStuck: a run has been queued or in progress past the threshold.
	StateCIStuck State = "ci-stuck"
	// StateDuplicatePRs: more than one pull request is open.
	StateDuplicatePRs State = "duplicate-prs"
)

// DefaultStuckAfter is the age after which an active run counts as stuck.
const DefaultStuckAfter = 30 * time.Minute

// States lists every state in evaluation order.
var States = []State{
	StateBranchOnly,
	StateIssueOnlyAssigned,
	StatePRClosedConflict,
	StateCIStuck,
	StateDuplicatePRs,
}

var recommendations = map[State][]string{
	StateBranchOnly: {
		"Delete stale automation branch to prevent duplicate chains",
		"Recreate or reopen the corresponding micro issue if work must resume",
	},
	StateIssueOnlyAssigned: {
		"Unassign the issue or requeue the next micro task before re-dispatching",
		"Ensure branch creation/PR bootstrapping automation kicks in",
	},
	StatePRClosedConflict: {
		"Close conflicting PRs with explanatory comment",
		"Delete associated automation branches",
		"Recreate micro issue (suffix -R1) once cleanup completes",
	},
	StateCIStuck: {
		"Cancel stuck workflow runs and trigger fresh CI dispatch",
		"Inspect workflow logs for blocking failures",
	},
	StateDuplicatePRs: {
		"Keep oldest PR open and close later duplicates",
		"Ensure assignment mutex prevents parallel automation chains",
	},
}

// Recommendations returns the remediation actions for s.
func (s State) Recommendations() []string {
	return slices.Clone(recommendations[s])
}

// Classification is the result of Classify.
type Classification struct {
	States  []State
	Actions []string
}

// Flagged reports whether any state matched.
func (c Classification) Flagged() bool { return len(c.States) > 0 }

// Classify evaluates every rule against the same snapshot of r. It is pure
// in (r, now, stuckAfter). A non-positive stuckAfter selects the default.
func Classify(r *Record, now time.Time, stuckAfter time.Duration) Classification {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}

	var openPRs, abandonedPRs int
	for _, pr := range r.PullRequests {
		switch {
		case isOpen(pr.State):
			openPRs++
		case isClosed(pr.State) && !pr.Merged:
			abandonedPRs++
		}
	}
	var openIssues, closedIssues int
	assigned := false
	for _, is := range r.Issues {
		switch {
		case isOpen(is.State):
			openIssues++
			if len(is.Assignees) > 0 {
				assigned = true
			}
		case isClosed(is.State):
			closedIssues++
		}
	}
	hasBranches := len(r.Branches) > 0

	var c Classification
	if hasBranches && openPRs == 0 && openIssues == 0 && closedIssues > 0 {
		c.States = append(c.States, StateBranchOnly)
	}
	if assigned && openPRs == 0 && !hasBranches {
		c.States = append(c.States, StateIssueOnlyAssigned)
	}
	if abandonedPRs > 0 {
		c.States = append(c.States, StatePRClosedConflict)
	}
	if len(StuckRuns(r, now, stuckAfter)) > 0 {
		c.States = append(c.States, StateCIStuck)
	}
	if openPRs > 1 {
		c.States = append(c.States, StateDuplicatePRs)
	}

	for _, s := range c.States {
		for _, a := range recommendations[s] {
			if !slices.Contains(c.Actions, a) {
				c.Actions = append(c.Actions, a)
			}
		}
	}
	return c
}

// StuckRuns returns the active runs of r older than stuckAfter.
func StuckRuns(r *Record, now time.Time, stuckAfter time.Duration) []Run {
	var stuck []Run
	for _, run := range r.Runs {
		if run.Active() && run.Age(now) > stuckAfter {
			stuck = append(stuck, run)
		}
	}
	return stuck
}
