package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apprenticegc/rfcflow/internal/clock"
	"github.com/apprenticegc/rfcflow/internal/retry"
)

// newTestServer starts a server and a client pointed at it with a fake
// clock and no jitter.
func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server, *clock.Fake) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	client := NewClient("test-token", "owner", "repo", Options{Clock: clk}).WithBaseURL(server.URL)
	client.executor.WithJitter(func(time.Duration) time.Duration { return 0 })
	return client, server, clk
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TestNewClient verifies the constructor creates a properly configured client.
func TestNewClient(t *testing.T) {
	client := NewClient("test-token", "owner", "repo", Options{})

	if client.Token != "test-token" {
		t.Errorf("Token = %q, want %q", client.Token, "test-token")
	}
	if client.Owner != "owner" || client.Repo != "repo" {
		t.Errorf("Owner/Repo = %q/%q, want owner/repo", client.Owner, client.Repo)
	}
	if client.BaseURL != DefaultAPIEndpoint {
		t.Errorf("BaseURL = %q, want %q", client.BaseURL, DefaultAPIEndpoint)
	}
	if client.HTTPClient == nil || client.HTTPClient.Timeout != DefaultTimeout {
		t.Error("HTTPClient should default to a client with DefaultTimeout")
	}
	if got := client.Executor().Policy().MaxAttempts; got != retry.DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", got, retry.DefaultMaxAttempts)
	}
}

// TestClientWithBaseURL verifies custom base URL setting.
func TestClientWithBaseURL(t *testing.T) {
	client := NewClient("token", "owner", "repo", Options{}).WithBaseURL("https://github.example.com/api/v3/")

	if client.BaseURL != "https://github.example.com/api/v3" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", client.BaseURL)
	}
}

// TestBuildURL verifies URL construction for API endpoints.
func TestBuildURL(t *testing.T) {
	client := NewClient("token", "owner", "repo", Options{})

	got := client.buildURL("/repos/owner/repo/issues", map[string]string{"state": "all", "per_page": "100"})
	want := "https://api.github.com/repos/owner/repo/issues?per_page=100&state=all"
	if got != want {
		t.Errorf("buildURL() = %q, want %q", got, want)
	}
	if got := client.buildURL("/x", nil); got != "https://api.github.com/x" {
		t.Errorf("buildURL() = %q", got)
	}
}

// TestHasNextPage verifies Link header parsing.
func TestHasNextPage(t *testing.T) {
	tests := []struct {
		name string
		link string
		want string
		ok   bool
	}{
		{"empty", "", "", false},
		{"next and last", `<https://api.github.com/x?page=2>; rel="next", <https://api.github.com/x?page=5>; rel="last"`, "https://api.github.com/x?page=2", true},
		{"only prev", `<https://api.github.com/x?page=1>; rel="prev"`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.link != "" {
				h.Set("Link", tt.link)
			}
			got, ok := hasNextPage(h)
			if got != tt.want || ok != tt.ok {
				t.Errorf("hasNextPage() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

// TestRequestHeaders verifies authentication and API headers.
func TestRequestHeaders(t *testing.T) {
	client, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/vnd.github+json" {
			t.Errorf("Accept = %q", got)
		}
		if got := r.Header.Get("X-GitHub-Api-Version"); got != APIVersion {
			t.Errorf("X-GitHub-Api-Version = %q", got)
		}
		writeJSON(w, http.StatusOK, Issue{Number: 1, Title: "x", State: "open"})
	})

	if _, err := client.GetIssue(context.Background(), 1); err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
}

// TestListIssues_FiltersPullRequestsAndPaginates verifies PRs are filtered
// and Link headers are followed.
func TestListIssues_FiltersPullRequestsAndPaginates(t *testing.T) {
	var calls atomic.Int32
	var serverURL string
	client, server, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != "all" {
			t.Errorf("state = %q, want all", r.URL.Query().Get("state"))
		}
		if calls.Add(1) == 1 {
			w.Header().Set("Link", `<`+serverURL+r.URL.Path+`?state=all&page=2>; rel="next"`)
			writeJSON(w, http.StatusOK, []Issue{
				{Number: 1, Title: "Issue", State: "open"},
				{Number: 2, Title: "PR", State: "open", PullRequest: &PullRef{URL: "u"}},
			})
			return
		}
		if r.URL.Query().Get("page") != "2" {
			t.Errorf("page = %q, want 2", r.URL.Query().Get("page"))
		}
		writeJSON(w, http.StatusOK, []Issue{{Number: 3, Title: "Another", State: "closed"}})
	})
	serverURL = server.URL

	issues, err := client.ListIssues(context.Background())
	if err != nil {
		t.Fatalf("ListIssues() error = %v", err)
	}
	if len(issues) != 2 {
		t.Errorf("ListIssues() returned %d issues, want 2", len(issues))
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

// TestListRuns_StopsAtMax verifies the run listing is bounded.
func TestListRuns_StopsAtMax(t *testing.T) {
	var calls atomic.Int32
	var serverURL string
	client, server, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("per_page"); got != "3" {
			t.Errorf("per_page = %q, want 3", got)
		}
		calls.Add(1)
		w.Header().Set("Link", `<`+serverURL+r.URL.Path+`?per_page=3&page=9>; rel="next"`)
		writeJSON(w, http.StatusOK, map[string]any{
			"total_count": 100,
			"workflow_runs": []map[string]any{
				{"id": 1, "head_branch": "copilot/rfc-001-01", "status": "queued"},
				{"id": 2, "head_branch": "main", "status": "completed", "conclusion": "success"},
				{"id": 3, "head_branch": "main", "status": "completed"},
			},
		})
	})
	serverURL = server.URL

	runs, err := client.ListRuns(context.Background(), 3)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 || calls.Load() != 1 {
		t.Errorf("got %d runs in %d calls, want 3 in 1", len(runs), calls.Load())
	}
	if runs[1].Conclusion == nil || *runs[1].Conclusion != "success" {
		t.Errorf("runs[1].Conclusion = %v, want success", runs[1].Conclusion)
	}
}

// TestSearchIssues_ScopesQuery verifies the repository qualifier.
func TestSearchIssues_ScopesQuery(t *testing.T) {
	client, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search/issues" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query().Get("q")
		if q != `repo:owner/repo is:issue "RFC-007 Series State" in:title` {
			t.Errorf("q = %q", q)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total_count": 1,
			"items":       []Issue{{Number: 9, Title: "RFC-007 Series State", State: "open"}},
		})
	})

	found, err := client.SearchIssues(context.Background(), `"RFC-007 Series State" in:title`)
	if err != nil {
		t.Fatalf("SearchIssues() error = %v", err)
	}
	if len(found) != 1 || found[0].Number != 9 {
		t.Errorf("SearchIssues() = %+v", found)
	}
}

// TestCountOpenIssues verifies the total_count is returned.
func TestCountOpenIssues(t *testing.T) {
	client, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Query().Get("q"), `is:open "RFC-009-01" in:title`) {
			t.Errorf("q = %q", r.URL.Query().Get("q"))
		}
		writeJSON(w, http.StatusOK, map[string]any{"total_count": 4, "items": []Issue{}})
	})

	n, err := client.CountOpenIssues(context.Background(), "RFC-009-01")
	if err != nil {
		t.Fatalf("CountOpenIssues() error = %v", err)
	}
	if n != 4 {
		t.Errorf("CountOpenIssues() = %d, want 4", n)
	}
}

// TestUpdateIssueBody verifies PATCH with only the body.
func TestUpdateIssueBody(t *testing.T) {
	client, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("Method = %s, want PATCH", r.Method)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body) != 1 || body["body"] != "new" {
			t.Errorf("body = %v", body)
		}
		writeJSON(w, http.StatusOK, Issue{Number: 5, Body: "new", State: "open"})
	})

	is, err := client.UpdateIssueBody(context.Background(), 5, "new")
	if err != nil {
		t.Fatalf("UpdateIssueBody() error = %v", err)
	}
	if is.Body != "new" {
		t.Errorf("Body = %q", is.Body)
	}
}

// TestCleanupEndpoints verifies the destructive calls hit the right routes.
func TestCleanupEndpoints(t *testing.T) {
	var seen []string
	client, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.EscapedPath())
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()

	if err := client.DeleteBranch(ctx, "copilot/rfc-001-01"); err != nil {
		t.Fatalf("DeleteBranch() error = %v", err)
	}
	if err := client.CancelRun(ctx, 77); err != nil {
		t.Fatalf("CancelRun() error = %v", err)
	}
	if err := client.ClosePullRequest(ctx, 12); err != nil {
		t.Fatalf("ClosePullRequest() error = %v", err)
	}
	if err := client.CreateComment(ctx, 12, "dup"); err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if err := client.Dispatch(ctx, "chain_broken", map[string]string{"a": "b"}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	want := []string{
		"DELETE /repos/owner/repo/git/refs/heads/copilot/rfc-001-01",
		"POST /repos/owner/repo/actions/runs/77/cancel",
		"PATCH /repos/owner/repo/pulls/12",
		"POST /repos/owner/repo/issues/12/comments",
		"POST /repos/owner/repo/dispatches",
	}
	if strings.Join(seen, "\n") != strings.Join(want, "\n") {
		t.Errorf("requests =\n%s\nwant\n%s", strings.Join(seen, "\n"), strings.Join(want, "\n"))
	}
}

// TestDispatchEnvelope verifies the repository_dispatch body.
func TestDispatchEnvelope(t *testing.T) {
	client, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			EventType     string            `json:"event_type"`
			ClientPayload map[string]string `json:"client_payload"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.EventType != "chain_broken" || body.ClientPayload["event_id"] != "e1" {
			t.Errorf("body = %+v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := client.Dispatch(context.Background(), "chain_broken", map[string]string{"event_id": "e1"}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
}

// TestRateLimitedRequestIsRetried verifies 403 with an exhausted quota is
// treated as transient.
func TestRateLimitedRequestIsRetried(t *testing.T) {
	var calls atomic.Int32
	client, _, clk := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "API rate limit exceeded"})
			return
		}
		writeJSON(w, http.StatusOK, Issue{Number: 1, State: "open"})
	})

	if _, err := client.GetIssue(context.Background(), 1); err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if got := clk.TotalSlept(); got != 2*time.Second {
		t.Errorf("slept %v, want 2s", got)
	}
	if m := client.Metrics(); m.APIRetries != 1 || m.ThrottleSleep != 2*time.Second {
		t.Errorf("Metrics() = %+v", m)
	}
}

// TestNotFoundIsPermanent verifies 404 is not retried.
func TestNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	client, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})

	_, err := client.GetIssue(context.Background(), 404)
	if err == nil {
		t.Fatal("GetIssue() expected error")
	}
	var perm *retry.PermanentError
	if !errors.As(err, &perm) || perm.Status != http.StatusNotFound {
		t.Errorf("error = %v, want PermanentError 404", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

// TestServerErrorsExhaustRetries verifies 5xx responses are retried up to
// the attempt limit.
func TestServerErrorsExhaustRetries(t *testing.T) {
	var calls atomic.Int32
	client, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.ListBranches(context.Background())
	if !retry.IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
	if calls.Load() != retry.DefaultMaxAttempts {
		t.Errorf("calls = %d, want %d", calls.Load(), retry.DefaultMaxAttempts)
	}
}

// TestCreateIssueIsNotResentAfterServerError verifies a POST is sent once
// when the server fails after possibly acting on it.
func TestCreateIssueIsNotResentAfterServerError(t *testing.T) {
	var calls atomic.Int32
	client, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.CreateIssue(context.Background(), "RFC-001 Series State", "body")
	if !retry.IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

// TestCreateCommentRetriesWhenThrottled verifies a rate-limited POST is
// still retried, since GitHub rejected it before acting.
func TestCreateCommentRetriesWhenThrottled(t *testing.T) {
	var calls atomic.Int32
	client, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "slow down"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int{"id": 1})
	})

	if err := client.CreateComment(context.Background(), 7, "hello"); err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}
