package chain

import (
	"context"
	"fmt"
	"slices"

	"github.com/apprenticegc/rfcflow/internal/chainid"
)

// DefaultMaxRuns bounds how many workflow runs are inspected.
const DefaultMaxRuns = 200

// BuildChains lists every collection from src and groups the artifacts by
// chain identifier. Artifacts without an identifier are ignored. Issues and
// pull requests are matched on their title; pull requests fall back to the
// head branch, and branches and runs use the branch convention.
func BuildChains(ctx context.Context, src Source, opts Options) (map[chainid.ID]*Record, error) {
	maxRuns := opts.MaxRuns
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	chains := map[chainid.ID]*Record{}
	ensure := func(id chainid.ID) *Record {
		r, ok := chains[id]
		if !ok {
			r = &Record{ID: id}
			chains[id] = r
		}
		return r
	}

	issues, err := src.ListIssues(ctx)
	if err != nil {
		return nil, &ReconciliationError{Collection: "issues", Err: err}
	}
	for _, is := range issues {
		if is.Number <= 0 {
			return nil, &ReconciliationError{Collection: "issues", Msg: fmt.Sprintf("issue %q has no number", is.Title)}
		}
		if id, ok := chainid.Extract(is.Title); ok {
			r := ensure(id)
			r.Issues = append(r.Issues, is)
		}
	}

	pulls, err := src.ListPullRequests(ctx)
	if err != nil {
		return nil, &ReconciliationError{Collection: "pull requests", Err: err}
	}
	for _, pr := range pulls {
		if pr.Number <= 0 {
			return nil, &ReconciliationError{Collection: "pull requests", Msg: fmt.Sprintf("pull request %q has no number", pr.Title)}
		}
		id, ok := chainid.Extract(pr.Title)
		if !ok {
			id, ok = chainid.ExtractBranch(pr.SourceBranch)
		}
		if ok {
			r := ensure(id)
			r.PullRequests = append(r.PullRequests, pr)
		}
	}

	branches, err := src.ListBranches(ctx)
	if err != nil {
		return nil, &ReconciliationError{Collection: "branches", Err: err}
	}
	for _, b := range branches {
		if b.Name == "" {
			return nil, &ReconciliationError{Collection: "branches", Msg: "branch without a name"}
		}
		if id, ok := chainid.ExtractBranch(b.Name); ok {
			r := ensure(id)
			r.Branches = append(r.Branches, b)
		}
	}

	runs, err := src.ListRuns(ctx, maxRuns)
	if err != nil {
		return nil, &ReconciliationError{Collection: "workflow runs", Err: err}
	}
	if len(runs) > maxRuns {
		runs = runs[:maxRuns]
	}
	for _, run := range runs {
		if run.RunID <= 0 {
			return nil, &ReconciliationError{Collection: "workflow runs", Msg: fmt.Sprintf("run on %q has no id", run.Branch)}
		}
		if id, ok := chainid.ExtractBranch(run.Branch); ok {
			r := ensure(id)
			r.Runs = append(r.Runs, run)
		}
	}

	return chains, nil
}

// SortedIDs returns the keys of chains in identifier order.
func SortedIDs(chains map[chainid.ID]*Record) []chainid.ID {
	ids := make([]chainid.ID, 0, len(chains))
	for id := range chains {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b chainid.ID) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return ids
}
