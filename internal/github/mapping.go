package github

import (
	"context"
	"time"

	"github.com/apprenticegc/rfcflow/internal/chain"
	"github.com/apprenticegc/rfcflow/internal/seriesmutex"
)

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// ChainIssue converts a GitHub issue to the chain view.
func ChainIssue(is Issue) chain.Issue {
	return chain.Issue{
		Number:    is.Number,
		Title:     is.Title,
		State:     is.State,
		Assignees: LoginNames(is.Assignees),
		URL:       is.HTMLURL,
		UpdatedAt: derefTime(is.UpdatedAt),
	}
}

// ChainPullRequest converts a pull request to the chain view. A pull
// request counts as merged when it carries a merge time.
func ChainPullRequest(pr PullRequest) chain.PullRequest {
	return chain.PullRequest{
		Number:       pr.Number,
		Title:        pr.Title,
		State:        pr.State,
		Merged:       pr.MergedAt != nil,
		Draft:        pr.Draft,
		SourceBranch: pr.Head.Ref,
		URL:          pr.HTMLURL,
		CreatedAt:    derefTime(pr.CreatedAt),
		UpdatedAt:    derefTime(pr.UpdatedAt),
		ClosedAt:     derefTime(pr.ClosedAt),
	}
}

// ChainBranch converts a branch to the chain view.
func ChainBranch(b Branch) chain.Branch {
	return chain.Branch{Name: b.Name, Protected: b.Protected, URL: b.Links.HTML}
}

// ChainRun converts a workflow run to the chain view.
func ChainRun(r WorkflowRun) chain.Run {
	run := chain.Run{
		RunID:        r.ID,
		WorkflowName: r.Name,
		Branch:       r.HeadBranch,
		Status:       r.Status,
		CreatedAt:    derefTime(r.CreatedAt),
		URL:          r.HTMLURL,
	}
	if r.Conclusion != nil {
		run.Conclusion = *r.Conclusion
	}
	return run
}

// MutexIssue converts a GitHub issue to the series mutex view.
func MutexIssue(is Issue) seriesmutex.Issue {
	return seriesmutex.Issue{
		Number:    is.Number,
		Title:     is.Title,
		Open:      is.State == "open",
		Body:      is.Body,
		UpdatedAt: derefTime(is.UpdatedAt),
	}
}

// ChainSource adapts a Client to chain.Source.
type ChainSource struct{ *Client }

var _ chain.Source = ChainSource{}

// ListIssues implements chain.Source.
func (s ChainSource) ListIssues(ctx context.Context) ([]chain.Issue, error) {
	issues, err := s.Client.ListIssues(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]chain.Issue, len(issues))
	for i, is := range issues {
		out[i] = ChainIssue(is)
	}
	return out, nil
}

// ListPullRequests implements chain.Source.
func (s ChainSource) ListPullRequests(ctx context.Context) ([]chain.PullRequest, error) {
	pulls, err := s.Client.ListPullRequests(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]chain.PullRequest, len(pulls))
	for i, pr := range pulls {
		out[i] = ChainPullRequest(pr)
	}
	return out, nil
}

// ListBranches implements chain.Source.
func (s ChainSource) ListBranches(ctx context.Context) ([]chain.Branch, error) {
	branches, err := s.Client.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]chain.Branch, len(branches))
	for i, b := range branches {
		out[i] = ChainBranch(b)
	}
	return out, nil
}

// ListRuns implements chain.Source.
func (s ChainSource) ListRuns(ctx context.Context, max int) ([]chain.Run, error) {
	runs, err := s.Client.ListRuns(ctx, max)
	if err != nil {
		return nil, err
	}
	out := make([]chain.Run, len(runs))
	for i, r := range runs {
		out[i] = ChainRun(r)
	}
	return out, nil
}

// MutexHost adapts a Client to seriesmutex.Host.
type MutexHost struct{ *Client }

var _ seriesmutex.Host = MutexHost{}

// GetIssue implements seriesmutex.Host.
func (h MutexHost) GetIssue(ctx context.Context, number int) (*seriesmutex.Issue, error) {
	is, err := h.Client.GetIssue(ctx, number)
	if err != nil {
		return nil, err
	}
	m := MutexIssue(*is)
	return &m, nil
}

// SearchIssues implements seriesmutex.Host.
func (h MutexHost) SearchIssues(ctx context.Context, query string) ([]seriesmutex.Issue, error) {
	found, err := h.Client.SearchIssues(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]seriesmutex.Issue, len(found))
	for i, is := range found {
		out[i] = MutexIssue(is)
	}
	return out, nil
}

// CreateIssue implements seriesmutex.Host.
func (h MutexHost) CreateIssue(ctx context.Context, title, body string) (*seriesmutex.Issue, error) {
	is, err := h.Client.CreateIssue(ctx, title, body)
	if err != nil {
		return nil, err
	}
	m := MutexIssue(*is)
	return &m, nil
}

// UpdateIssueBody implements seriesmutex.Host.
func (h MutexHost) UpdateIssueBody(ctx context.Context, number int, body string) (*seriesmutex.Issue, error) {
	is, err := h.Client.UpdateIssueBody(ctx, number, body)
	if err != nil {
		return nil, err
	}
	m := MutexIssue(*is)
	return &m, nil
}

var (
	_ chain.Remediator = (*Client)(nil)
	_ chain.Dispatcher = (*Client)(nil)
)
