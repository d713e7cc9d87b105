// Package chain groups tracker artifacts by RFC micro-task identifier and
// flags chains whose artifacts disagree with each other.
package chain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/apprenticegc/rfcflow/internal/chainid"
)

// Issue is a ticket projection.
type Issue struct {
	Number    int       `json:"number" yaml:"number"`
	Title     string    `json:"title" yaml:"title"`
	State     string    `json:"state" yaml:"state"`
	Assignees []string  `json:"assignees" yaml:"assignees"`
	URL       string    `json:"url" yaml:"url"`
	UpdatedAt time.Time `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}

// PullRequest is a merge-request projection.
type PullRequest struct {
	Number       int       `json:"number" yaml:"number"`
	Title        string    `json:"title" yaml:"title"`
	State        string    `json:"state" yaml:"state"`
	Merged       bool      `json:"merged" yaml:"merged"`
	Draft        bool      `json:"draft" yaml:"draft"`
	SourceBranch string    `json:"source_branch" yaml:"source_branch"`
	URL          string    `json:"url" yaml:"url"`
	CreatedAt    time.Time `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
	ClosedAt     time.Time `json:"closed_at,omitzero" yaml:"closed_at,omitempty"`
}

// Branch is a branch projection.
type Branch struct {
	Name      string `json:"name" yaml:"name"`
	Protected bool   `json:"protected" yaml:"protected"`
	URL       string `json:"url" yaml:"url"`
}

// Run is a CI workflow run projection.
type Run struct {
	RunID        int64     `json:"run_id" yaml:"run_id"`
	WorkflowName string    `json:"workflow_name" yaml:"workflow_name"`
	Branch       string    `json:"head_branch" yaml:"head_branch"`
	Status       string    `json:"status" yaml:"status"`
	Conclusion   string    `json:"conclusion,omitempty" yaml:"conclusion,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	URL          string    `json:"url" yaml:"url"`
}

func isOpen(state string) bool   { return strings.EqualFold(state, "open") }
func isClosed(state string) bool { return strings.EqualFold(state, "closed") }

// Active reports whether the run has not finished.
func (r Run) Active() bool {
	s := strings.ToLower(r.Status)
	return s == "in_progress" || s == "queued"
}

// Age returns how long the run has existed at now. A run without a creation
// time has age zero.
func (r Run) Age(now time.Time) time.Duration {
	if r.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(r.CreatedAt)
}

// Source lists the four artifact collections of a repository. Each listing
// must be fully paginated.
type Source interface {
	ListIssues(ctx context.Context) ([]Issue, error)
	ListPullRequests(ctx context.Context) ([]PullRequest, error)
	ListBranches(ctx context.Context) ([]Branch, error)
	ListRuns(ctx context.Context, max int) ([]Run, error)
}

// Record is every artifact sharing one chain identifier.
type Record struct {
	ID           chainid.ID
	Issues       []Issue
	PullRequests []PullRequest
	Branches     []Branch
	Runs         []Run
}

// ReconciliationError reports source data that prevents building the chain
// map.
type ReconciliationError struct {
	Collection string
	Msg        string
	Err        error
}

func (e *ReconciliationError) Error() string {
	msg := fmt.Sprintf("reconciliation failed on %s", e.Collection)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReconciliationError) Unwrap() error { return e.Err }
