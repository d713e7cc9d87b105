package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/apprenticegc/rfcflow/internal/clock"
	"github.com/apprenticegc/rfcflow/internal/ratelimit"
	"github.com/apprenticegc/rfcflow/internal/retry"
)

// Options configures NewClient. Zero values select the defaults.
type Options struct {
	Rate        float64
	Burst       int
	MaxAttempts int
	Timeout     time.Duration
	Clock       clock.Clock
}

// NewClient creates a new GitHub client.
func NewClient(token, owner, repo string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{
		Token:   token,
		Owner:   owner,
		Repo:    repo,
		BaseURL: DefaultAPIEndpoint,
		HTTPClient: &http.Client{
			Timeout: opts.Timeout,
		},
		bucket:   ratelimit.New(opts.Rate, opts.Burst, opts.Clock),
		executor: retry.NewExecutor(retry.Policy{MaxAttempts: opts.MaxAttempts}, opts.Clock),
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.HTTPClient = httpClient
	return c
}

// WithBaseURL sets a custom base URL (for testing or GitHub Enterprise).
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.BaseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Executor exposes the retry executor so callers can attach hooks.
func (c *Client) Executor() *retry.Executor {
	return c.executor
}

// Metrics returns cumulative retry and throttle figures.
func (c *Client) Metrics() Metrics {
	m := c.executor.Metrics()
	return Metrics{
		APIRetries:    m.Retries,
		ThrottleSleep: m.BackoffSleep + c.bucket.Slept(),
	}
}

// repoPath returns the "/repos/owner/repo" path prefix.
func (c *Client) repoPath() string {
	return "/repos/" + c.Owner + "/" + c.Repo
}

// buildURL constructs a full API URL.
func (c *Client) buildURL(path string, params map[string]string) string {
	u := c.BaseURL + path

	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		u += "?" + values.Encode()
	}

	return u
}

// doRequest performs an HTTP request with authentication, rate limiting and
// classified retries.
func (c *Client) doRequest(ctx context.Context, method, urlStr string, body any) ([]byte, http.Header, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var respBody []byte
	var headers http.Header
	err := c.executor.Do(ctx, func(ctx context.Context) error {
		data, hdr, err := c.attempt(ctx, method, urlStr, payload)
		if err != nil {
			// A POST that failed past the rate limiter may already have
			// created its issue or comment; resending would duplicate it.
			if method == http.MethodPost && !throttled(err) {
				return retry.NoRetry(err)
			}
			return err
		}
		respBody, headers = data, hdr
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return respBody, headers, nil
}

// attempt sends one request and classifies the response.
func (c *Client) attempt(ctx context.Context, method, urlStr string, payload []byte) ([]byte, http.Header, error) {
	if _, err := c.bucket.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
	if err != nil {
		return nil, nil, &retry.PermanentError{Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", APIVersion)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, &retry.TransientError{Err: fmt.Errorf("request failed: %w", err)}
	}

	const maxResponseSize = 50 * 1024 * 1024
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	_ = resp.Body.Close()
	if err != nil {
		return nil, nil, &retry.TransientError{Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	// GitHub signals primary rate limiting with 403 and an exhausted quota.
	if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return nil, nil, &retry.TransientError{Status: resp.StatusCode, Err: errors.New("rate limited")}
	}
	if err := retry.CheckStatus(resp.StatusCode, data); err != nil {
		return nil, nil, err
	}
	return data, resp.Header, nil
}

// throttled reports whether err is a rate-limit rejection, which GitHub
// returns before acting on the request.
func throttled(err error) bool {
	if !retry.IsTransient(err) {
		return false
	}
	switch retry.StatusOf(err) {
	case http.StatusTooManyRequests, http.StatusForbidden:
		return true
	}
	return false
}

// linkNextPattern matches the "next" relation in GitHub Link headers.
var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// hasNextPage checks the Link header for a next page URL and returns it.
func hasNextPage(headers http.Header) (string, bool) {
	link := headers.Get("Link")
	if link == "" {
		return "", false
	}
	matches := linkNextPattern.FindStringSubmatch(link)
	if len(matches) < 2 {
		return "", false
	}
	return matches[1], true
}

// paginate fetches path page by page, following Link headers, and hands
// each body to decode. decode returns false to stop early.
func (c *Client) paginate(ctx context.Context, path string, params map[string]string, decode func([]byte) (bool, error)) error {
	if params == nil {
		params = map[string]string{}
	}
	if _, ok := params["per_page"]; !ok {
		params["per_page"] = strconv.Itoa(MaxPageSize)
	}
	urlStr := c.buildURL(path, params)

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		respBody, headers, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return err
		}
		more, err := decode(respBody)
		if err != nil {
			return err
		}
		next, ok := hasNextPage(headers)
		if !more || !ok {
			return nil
		}
		if page >= MaxPages {
			return fmt.Errorf("pagination limit exceeded: stopped after %d pages", MaxPages)
		}
		urlStr = next
	}
}

// ListIssues retrieves every issue in any state. Pull requests returned by
// the issues endpoint are filtered out.
func (c *Client) ListIssues(ctx context.Context) ([]Issue, error) {
	var all []Issue
	err := c.paginate(ctx, c.repoPath()+"/issues", map[string]string{"state": "all"}, func(data []byte) (bool, error) {
		var issues []Issue
		if err := json.Unmarshal(data, &issues); err != nil {
			return false, fmt.Errorf("failed to parse issues response: %w", err)
		}
		for i := range issues {
			if issues[i].PullRequest == nil {
				all = append(all, issues[i])
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issues: %w", err)
	}
	return all, nil
}

// ListPullRequests retrieves every pull request in any state.
func (c *Client) ListPullRequests(ctx context.Context) ([]PullRequest, error) {
	var all []PullRequest
	err := c.paginate(ctx, c.repoPath()+"/pulls", map[string]string{"state": "all"}, func(data []byte) (bool, error) {
		var pulls []PullRequest
		if err := json.Unmarshal(data, &pulls); err != nil {
			return false, fmt.Errorf("failed to parse pulls response: %w", err)
		}
		all = append(all, pulls...)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pull requests: %w", err)
	}
	return all, nil
}

// ListBranches retrieves every branch.
func (c *Client) ListBranches(ctx context.Context) ([]Branch, error) {
	var all []Branch
	err := c.paginate(ctx, c.repoPath()+"/branches", nil, func(data []byte) (bool, error) {
		var branches []Branch
		if err := json.Unmarshal(data, &branches); err != nil {
			return false, fmt.Errorf("failed to parse branches response: %w", err)
		}
		all = append(all, branches...)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch branches: %w", err)
	}
	return all, nil
}

// ListRuns retrieves the most recent workflow runs, at most max.
func (c *Client) ListRuns(ctx context.Context, max int) ([]WorkflowRun, error) {
	if max <= 0 {
		return nil, nil
	}
	perPage := min(max, MaxPageSize)
	var all []WorkflowRun
	err := c.paginate(ctx, c.repoPath()+"/actions/runs", map[string]string{"per_page": strconv.Itoa(perPage)}, func(data []byte) (bool, error) {
		var resp runsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return false, fmt.Errorf("failed to parse runs response: %w", err)
		}
		all = append(all, resp.WorkflowRuns...)
		return len(all) < max && len(resp.WorkflowRuns) > 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch workflow runs: %w", err)
	}
	if len(all) > max {
		all = all[:max]
	}
	return all, nil
}

// searchQuery scopes a search to issues of this repository.
func (c *Client) searchQuery(query string) string {
	return fmt.Sprintf("repo:%s/%s is:issue %s", c.Owner, c.Repo, query)
}

// SearchIssues runs an issue search query restricted to this repository.
func (c *Client) SearchIssues(ctx context.Context, query string) ([]Issue, error) {
	var all []Issue
	err := c.paginate(ctx, "/search/issues", map[string]string{"q": c.searchQuery(query)}, func(data []byte) (bool, error) {
		var resp searchResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return false, fmt.Errorf("failed to parse search response: %w", err)
		}
		all = append(all, resp.Items...)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search issues: %w", err)
	}
	return all, nil
}

// CountOpenIssues counts open issues whose title contains text.
func (c *Client) CountOpenIssues(ctx context.Context, text string) (int, error) {
	params := map[string]string{
		"q":        c.searchQuery(fmt.Sprintf("is:open %q in:title", text)),
		"per_page": "1",
	}
	respBody, _, err := c.doRequest(ctx, http.MethodGet, c.buildURL("/search/issues", params), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count open issues for %q: %w", text, err)
	}
	var resp searchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse search response: %w", err)
	}
	return resp.TotalCount, nil
}

// GetIssue retrieves a single issue by its number.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	urlStr := c.buildURL(c.repoPath()+"/issues/"+strconv.Itoa(number), nil)
	respBody, _, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue #%d: %w", number, err)
	}

	var issue Issue
	if err := json.Unmarshal(respBody, &issue); err != nil {
		return nil, fmt.Errorf("failed to parse issue response: %w", err)
	}

	return &issue, nil
}

// CreateIssue creates a new issue.
func (c *Client) CreateIssue(ctx context.Context, title, body string) (*Issue, error) {
	reqBody := map[string]any{
		"title": title,
		"body":  body,
	}

	urlStr := c.buildURL(c.repoPath()+"/issues", nil)
	respBody, _, err := c.doRequest(ctx, http.MethodPost, urlStr, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}

	var issue Issue
	if err := json.Unmarshal(respBody, &issue); err != nil {
		return nil, fmt.Errorf("failed to parse create response: %w", err)
	}

	return &issue, nil
}

// UpdateIssue updates an existing issue.
// GitHub uses PATCH for issue updates.
func (c *Client) UpdateIssue(ctx context.Context, number int, updates map[string]any) (*Issue, error) {
	urlStr := c.buildURL(c.repoPath()+"/issues/"+strconv.Itoa(number), nil)
	respBody, _, err := c.doRequest(ctx, http.MethodPatch, urlStr, updates)
	if err != nil {
		return nil, fmt.Errorf("failed to update issue #%d: %w", number, err)
	}

	var issue Issue
	if err := json.Unmarshal(respBody, &issue); err != nil {
		return nil, fmt.Errorf("failed to parse update response: %w", err)
	}

	return &issue, nil
}

// UpdateIssueBody replaces the body of an issue.
func (c *Client) UpdateIssueBody(ctx context.Context, number int, body string) (*Issue, error) {
	return c.UpdateIssue(ctx, number, map[string]any{"body": body})
}

// CreateComment adds a comment to an issue or pull request.
func (c *Client) CreateComment(ctx context.Context, number int, body string) error {
	urlStr := c.buildURL(c.repoPath()+"/issues/"+strconv.Itoa(number)+"/comments", nil)
	if _, _, err := c.doRequest(ctx, http.MethodPost, urlStr, map[string]string{"body": body}); err != nil {
		return fmt.Errorf("failed to comment on #%d: %w", number, err)
	}
	return nil
}

// ClosePullRequest closes a pull request without merging it.
func (c *Client) ClosePullRequest(ctx context.Context, number int) error {
	urlStr := c.buildURL(c.repoPath()+"/pulls/"+strconv.Itoa(number), nil)
	if _, _, err := c.doRequest(ctx, http.MethodPatch, urlStr, map[string]string{"state": "closed"}); err != nil {
		return fmt.Errorf("failed to close pull request #%d: %w", number, err)
	}
	return nil
}

// DeleteBranch deletes a branch ref.
func (c *Client) DeleteBranch(ctx context.Context, name string) error {
	urlStr := c.buildURL(c.repoPath()+"/git/refs/heads/"+escapeRef(name), nil)
	if _, _, err := c.doRequest(ctx, http.MethodDelete, urlStr, nil); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", name, err)
	}
	return nil
}

// CancelRun requests cancellation of a workflow run.
func (c *Client) CancelRun(ctx context.Context, runID int64) error {
	urlStr := c.buildURL(c.repoPath()+"/actions/runs/"+strconv.FormatInt(runID, 10)+"/cancel", nil)
	if _, _, err := c.doRequest(ctx, http.MethodPost, urlStr, nil); err != nil {
		return fmt.Errorf("failed to cancel run %d: %w", runID, err)
	}
	return nil
}

// Dispatch sends a repository_dispatch event.
func (c *Client) Dispatch(ctx context.Context, eventType string, payload any) error {
	reqBody := map[string]any{
		"event_type":     eventType,
		"client_payload": payload,
	}
	urlStr := c.buildURL(c.repoPath()+"/dispatches", nil)
	if _, _, err := c.doRequest(ctx, http.MethodPost, urlStr, reqBody); err != nil {
		return fmt.Errorf("failed to dispatch %s: %w", eventType, err)
	}
	return nil
}

// escapeRef escapes each segment of a ref name, keeping the separators.
func escapeRef(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
