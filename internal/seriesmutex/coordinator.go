package seriesmutex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/apprenticegc/rfcflow/internal/chainid"
	"github.com/apprenticegc/rfcflow/internal/clock"
	"github.com/apprenticegc/rfcflow/internal/telemetry"
)

// Issue is the host's view of an issue.
type Issue struct {
	Number    int
	Title     string
	Open      bool
	Body      string
	UpdatedAt time.Time
}

// Host is the issue tracker holding tracking issues.
type Host interface {
	GetIssue(ctx context.Context, number int) (*Issue, error)
	// SearchIssues runs a tracker search query restricted to the repository.
	SearchIssues(ctx context.Context, query string) ([]Issue, error)
	// CountOpenIssues counts open issues whose title contains text.
	CountOpenIssues(ctx context.Context, text string) (int, error)
	CreateIssue(ctx context.Context, title, body string) (*Issue, error)
	UpdateIssueBody(ctx context.Context, number int, body string) (*Issue, error)
}

// Result is the outcome reported to callers.
type Result struct {
	Status              Status   `json:"status"`
	IssueNumber         int      `json:"issue_number,omitempty"`
	Series              string   `json:"series,omitempty"`
	Chain               string   `json:"chain,omitempty"`
	ActiveIssue         *int     `json:"active_issue"`
	Queue               []int    `json:"queue"`
	BlockedDependencies []string `json:"blocked_dependencies"`
	TrackingIssue       int      `json:"tracking_issue_number,omitempty"`
	Message             string   `json:"message,omitempty"`
}

// Dependencies lists prerequisite identifiers per chain, plus optional
// titles used as extra search terms.
type Dependencies struct {
	Requires map[string][]string
	Titles   map[string]string
}

// LoadDependencies reads a dependency map file. A missing file yields an
// empty map; an unreadable one is an error.
func LoadDependencies(path string) (*Dependencies, error) {
	deps := &Dependencies{Requires: map[string][]string{}, Titles: map[string]string{}}
	if path == "" {
		return deps, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return deps, nil
		}
		return nil, fmt.Errorf("failed to read dependency map: %w", err)
	}
	var doc struct {
		Dependencies map[string][]string `json:"dependencies"`
		Architecture map[string]struct {
			Title string `json:"title"`
		} `json:"architecture"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse dependency map %s: %w", path, err)
	}
	for k, v := range doc.Dependencies {
		deps.Requires[k] = v
	}
	for k, v := range doc.Architecture {
		if v.Title != "" {
			deps.Titles[k] = v.Title
		}
	}
	return deps, nil
}

// For returns the prerequisites of id. Keys may carry a GAME- prefix.
func (d *Dependencies) For(id chainid.ID) []string {
	if d == nil {
		return nil
	}
	if v, ok := d.Requires["GAME-"+id.String()]; ok {
		return v
	}
	return d.Requires[id.String()]
}

// Coordinator applies mutex requests against a Host.
type Coordinator struct {
	host  Host
	deps  *Dependencies
	clock clock.Clock
	log   *slog.Logger
}

// NewCoordinator returns a Coordinator. deps may be nil to disable
// dependency gating.
func NewCoordinator(host Host, deps *Dependencies, clk clock.Clock, log *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{host: host, deps: deps, clock: clk, log: log}
}

// EnsureSeriesState admits issueNumber as the active owner of its series,
// or queues it. Read and write failures are returned as *MutexError.
func (c *Coordinator) EnsureSeriesState(ctx context.Context, issueNumber int) (*Result, error) {
	ctx, span := telemetry.Tracer("").Start(ctx, "mutex.ensure")
	defer span.End()
	span.SetAttributes(attribute.Int("rfcflow.issue", issueNumber))

	res, err := c.ensure(ctx, issueNumber)
	status := StatusError
	if err == nil {
		status = res.Status
	} else {
		span.RecordError(err)
	}
	telemetry.Domain().RecordTransition(ctx, string(status))
	return res, err
}

func (c *Coordinator) ensure(ctx context.Context, issueNumber int) (*Result, error) {
	candidate, err := c.host.GetIssue(ctx, issueNumber)
	if err != nil {
		return nil, mutexErrorf(err, "failed to load issue #%d", issueNumber)
	}
	id, ok := chainid.Extract(candidate.Title)
	if !ok {
		return &Result{Status: StatusNoSeries, IssueNumber: issueNumber, Queue: []int{}, BlockedDependencies: []string{}}, nil
	}
	series := id.SeriesKey()

	tracking, err := c.findTracking(ctx, series)
	if err != nil {
		return nil, err
	}
	if tracking == nil {
		tracking, err = c.host.CreateIssue(ctx, TrackingTitle(series), DefaultState(series, c.clock.Now()).Body())
		if err != nil {
			return nil, mutexErrorf(err, "failed to create tracking issue for %s", series)
		}
		c.log.Info("created tracking issue", "series", series, "number", tracking.Number)
	}
	original := tracking.Body
	state := ParseBody(series, original, c.clock.Now())

	result := &Result{
		IssueNumber:         issueNumber,
		Series:              series,
		Chain:               id.String(),
		BlockedDependencies: []string{},
	}

	if blocked := c.blockedDependencies(ctx, id); len(blocked) > 0 {
		state.Defer(issueNumber, c.clock.Now())
		result.Status = StatusQueuedDependency
		result.BlockedDependencies = blocked
		c.log.Info("issue waiting on dependencies", "issue", issueNumber, "blocked", blocked)
	} else {
		var activeOpen *bool
		if active := state.Active(); active != 0 && active != issueNumber {
			ai, err := c.host.GetIssue(ctx, active)
			if err != nil {
				return nil, mutexErrorf(err, "failed to load active issue #%d", active)
			}
			open := ai.Open
			activeOpen = &open
		}
		status, err := state.ApplyCandidate(issueNumber, candidate.Open, activeOpen, c.clock.Now())
		if err != nil {
			return nil, err
		}
		result.Status = status
	}

	trackingNumber := tracking.Number
	if body := state.Body(); body != original {
		updated, err := c.host.UpdateIssueBody(ctx, tracking.Number, body)
		if err != nil {
			return nil, mutexErrorf(err, "failed to update tracking issue #%d", tracking.Number)
		}
		trackingNumber = updated.Number
	}

	result.ActiveIssue = state.ActiveIssue
	result.Queue = state.Queue
	if result.Queue == nil {
		result.Queue = []int{}
	}
	result.TrackingIssue = trackingNumber
	c.log.Debug("series state applied", "series", series, "status", result.Status, "active", state.Active(), "queue", state.Queue)
	return result, nil
}

// findTracking returns the newest issue whose title is exactly the tracking
// title, or nil.
func (c *Coordinator) findTracking(ctx context.Context, series string) (*Issue, error) {
	title := TrackingTitle(series)
	found, err := c.host.SearchIssues(ctx, fmt.Sprintf("%q in:title", title))
	if err != nil {
		return nil, mutexErrorf(err, "failed to search tracking issue for %s", series)
	}
	var best *Issue
	for i := range found {
		if found[i].Title != title {
			continue
		}
		if best == nil || found[i].UpdatedAt.After(best.UpdatedAt) {
			best = &found[i]
		}
	}
	return best, nil
}

// blockedDependencies returns the prerequisites of id that still have an
// open issue. A failed search counts as open.
func (c *Coordinator) blockedDependencies(ctx context.Context, id chainid.ID) []string {
	var blocked []string
	for _, dep := range c.deps.For(id) {
		terms := []string{dep}
		if t := c.deps.Titles[dep]; t != "" {
			terms = append(terms, t)
		}
		for _, term := range terms {
			n, err := c.host.CountOpenIssues(ctx, term)
			if err != nil {
				c.log.Warn("dependency search failed; treating as open", "dependency", dep, "error", err)
			}
			if err != nil || n > 0 {
				blocked = append(blocked, dep)
				break
			}
		}
	}
	return blocked
}

// ErrorResult renders err as the machine-readable error outcome.
func ErrorResult(issueNumber int, err error) *Result {
	return &Result{
		Status:              StatusError,
		IssueNumber:         issueNumber,
		Queue:               []int{},
		BlockedDependencies: []string{},
		Message:             strings.TrimSpace(err.Error()),
	}
}
