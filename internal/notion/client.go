package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/apprenticegc/rfcflow/internal/clock"
	"github.com/apprenticegc/rfcflow/internal/ratelimit"
	"github.com/apprenticegc/rfcflow/internal/retry"
)

// Client talks to the Notion API. Every attempt takes a token from the rate
// limiter and is bounded by the HTTP client's timeout; failed attempts are
// retried by the executor according to their classification.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client

	bucket   *ratelimit.Bucket
	executor *retry.Executor
	log      *slog.Logger
}

// Options configures NewClient. Zero values select the defaults.
type Options struct {
	Rate        float64
	Burst       int
	MaxAttempts int
	Timeout     time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Metrics summarizes client activity.
type Metrics struct {
	APIRetries    int
	ThrottleSleep time.Duration // rate-limiter waits plus retry backoff
}

// NewClient creates a new Notion client.
func NewClient(token string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		Token:      token,
		BaseURL:    DefaultAPIEndpoint,
		HTTPClient: &http.Client{Timeout: opts.Timeout},
		bucket:     ratelimit.New(opts.Rate, opts.Burst, opts.Clock),
		executor:   retry.NewExecutor(retry.Policy{MaxAttempts: opts.MaxAttempts}, opts.Clock),
		log:        opts.Logger,
	}
}

// WithBaseURL returns the client pointed at baseURL (for tests).
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.BaseURL = baseURL
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

// doRequest performs one logical request with rate limiting and retries.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var respBody []byte
	err := c.executor.Do(ctx, func(ctx context.Context) error {
		if _, err := c.bucket.Wait(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return &retry.PermanentError{Err: fmt.Errorf("failed to create request: %w", err)}
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Notion-Version", APIVersion)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return &retry.TransientError{Err: fmt.Errorf("request failed: %w", err)}
		}
		const maxResponseSize = 50 * 1024 * 1024
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if err != nil {
			return &retry.TransientError{Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
		}
		if err := retry.CheckStatus(resp.StatusCode, data); err != nil {
			return err
		}
		respBody = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return respBody, nil
}

// GetPage fetches page metadata.
func (c *Client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/pages/"+url.PathEscape(pageID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get page %s: %w", pageID, err)
	}
	var p Page
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &retry.PermanentError{Err: fmt.Errorf("failed to parse page %s: %w", pageID, err)}
	}
	return &p, nil
}

// GetBlockChildren returns every child block of blockID, following
// has_more/next_cursor until the listing is exhausted.
func (c *Client) GetBlockChildren(ctx context.Context, blockID string) ([]Block, error) {
	var all []Block
	cursor := ""
	for page := 0; page < MaxPages; page++ {
		params := url.Values{"page_size": {strconv.Itoa(MaxPageSize)}}
		if cursor != "" {
			params.Set("start_cursor", cursor)
		}
		data, err := c.doRequest(ctx, http.MethodGet, "/blocks/"+url.PathEscape(blockID)+"/children", params, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list blocks of %s: %w", blockID, err)
		}
		var resp listResponse[Block]
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &retry.PermanentError{Err: fmt.Errorf("failed to parse blocks of %s: %w", blockID, err)}
		}
		all = append(all, resp.Results...)
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			return all, nil
		}
		cursor = *resp.NextCursor
	}
	return all, fmt.Errorf("block listing for %s exceeded %d pages", blockID, MaxPages)
}

// QueryDatabase returns the ids of every non-archived page in a database.
func (c *Client) QueryDatabase(ctx context.Context, databaseID string) ([]string, error) {
	var ids []string
	cursor := ""
	for page := 0; page < MaxPages; page++ {
		body := map[string]any{"page_size": MaxPageSize}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		data, err := c.doRequest(ctx, http.MethodPost, "/databases/"+url.PathEscape(databaseID)+"/query", nil, body)
		if err != nil {
			return nil, fmt.Errorf("failed to query database %s: %w", databaseID, err)
		}
		var resp listResponse[Page]
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &retry.PermanentError{Err: fmt.Errorf("failed to parse query of %s: %w", databaseID, err)}
		}
		for _, p := range resp.Results {
			if !p.Archived {
				ids = append(ids, p.ID)
			}
		}
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			return ids, nil
		}
		cursor = *resp.NextCursor
	}
	return ids, fmt.Errorf("query of %s exceeded %d pages", databaseID, MaxPages)
}

// ChildPages lists the pages nested under, or linked from, parentID.
func (c *Client) ChildPages(ctx context.Context, parentID string) ([]ChildPage, error) {
	blocks, err := c.GetBlockChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	var out []ChildPage
	for i := range blocks {
		b := &blocks[i]
		switch b.Type {
		case "child_page":
			out = append(out, ChildPage{ID: b.ID, Title: b.payload().Title})
		case "link_to_page":
			p := b.payload()
			if p.Type != "page_id" || p.PageID == "" {
				continue
			}
			linked, err := c.GetPage(ctx, p.PageID)
			if err != nil {
				// Broken links are common in hand-edited indexes.
				c.log.Warn("skipping unreadable linked page", "parent_id", parentID, "page_id", p.PageID, "error", err)
				continue
			}
			out = append(out, ChildPage{ID: p.PageID, Title: linked.Title(), Linked: true})
		}
	}
	return out, nil
}

// FetchPageState fetches a page and its blocks and returns the rendered
// content with its stable hash.
func (c *Client) FetchPageState(ctx context.Context, pageID string) (*PageState, error) {
	meta, err := c.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	blocks, err := c.GetBlockChildren(ctx, pageID)
	if err != nil {
		return nil, err
	}
	content := Render(blocks)
	title := meta.Title()
	return &PageState{
		ID:          pageID,
		Title:       title,
		LastEdited:  meta.LastEditedTime,
		Content:     content,
		ContentHash: PageHash(content, meta.LastEditedTime, title),
	}, nil
}
