// Package github provides client and data types for the GitHub REST API.
//
// The client covers the surface the chain tooling needs: listing issues,
// pull requests, branches and workflow runs, searching issues, editing the
// series tracking issue, and the explicit cleanup calls. mapping.go adapts
// these wire types to the chain and series mutex views.
package github

import (
	"net/http"
	"time"

	"github.com/apprenticegc/rfcflow/internal/ratelimit"
	"github.com/apprenticegc/rfcflow/internal/retry"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// APIVersion is sent as X-GitHub-Api-Version.
	APIVersion = "2022-11-28"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxPageSize is the maximum number of items to fetch per page.
	MaxPageSize = 100

	// MaxPages is the maximum number of pages to fetch before stopping.
	// This prevents infinite loops from malformed Link headers.
	MaxPages = 1000
)

// Client provides methods to interact with the GitHub REST API.
type Client struct {
	Token      string       // GitHub token
	Owner      string       // Repository owner (user or org)
	Repo       string       // Repository name
	BaseURL    string       // API base URL (default: https://api.github.com)
	HTTPClient *http.Client // Optional custom HTTP client

	bucket   *ratelimit.Bucket
	executor *retry.Executor
}

// Issue represents an issue from the GitHub API.
type Issue struct {
	ID          int        `json:"id"`     // Global unique ID
	Number      int        `json:"number"` // Repository-scoped issue number
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	State       string     `json:"state"` // "open" or "closed"
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	Assignees   []User     `json:"assignees,omitempty"`
	HTMLURL     string     `json:"html_url"`
	PullRequest *PullRef   `json:"pull_request,omitempty"` // Non-nil if this is a PR
}

// PullRef indicates an issue is actually a pull request.
// The GitHub Issues API returns PRs alongside issues; this field
// distinguishes them.
type PullRef struct {
	URL string `json:"url,omitempty"`
}

// User represents a GitHub user.
type User struct {
	ID    int    `json:"id"`
	Login string `json:"login"`
}

// PullRequest represents a pull request from the pulls endpoint.
type PullRequest struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	Draft     bool       `json:"draft"`
	MergedAt  *time.Time `json:"merged_at"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at"`
	HTMLURL   string     `json:"html_url"`
	Head      struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// Branch represents a repository branch.
type Branch struct {
	Name      string `json:"name"`
	Protected bool   `json:"protected"`
	Links     struct {
		HTML string `json:"html"`
	} `json:"_links"`
}

// WorkflowRun represents a GitHub Actions run.
type WorkflowRun struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	HeadBranch string     `json:"head_branch"`
	Status     string     `json:"status"`
	Conclusion *string    `json:"conclusion"`
	CreatedAt  *time.Time `json:"created_at"`
	HTMLURL    string     `json:"html_url"`
}

type runsResponse struct {
	TotalCount   int           `json:"total_count"`
	WorkflowRuns []WorkflowRun `json:"workflow_runs"`
}

type searchResponse struct {
	TotalCount int     `json:"total_count"`
	Items      []Issue `json:"items"`
}

// Metrics summarizes client activity.
type Metrics struct {
	APIRetries    int
	ThrottleSleep time.Duration
}

// validStates for GitHub issues.
var validStates = map[string]bool{
	"open":   true,
	"closed": true,
}

// IsValidState checks if a GitHub state string is valid.
func IsValidState(state string) bool {
	return validStates[state]
}

// LoginNames extracts login strings from a slice of users.
func LoginNames(users []User) []string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		if u.Login != "" {
			names = append(names, u.Login)
		}
	}
	return names
}
