// Package api is the typed client for the WisdomPrompt backend. It covers
// both observed protocol surfaces: the legacy single-stream workflow
// (/api/v1/workflow/*) and the run lifecycle with its separate event channel
// (/api/runs/*).
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/CXL-edu/WisdomPrompt/internal/logging"
	jsonx "github.com/CXL-edu/WisdomPrompt/internal/shared/json"
	"github.com/CXL-edu/WisdomPrompt/internal/sse"
)

const snapshotCacheSize = 32

// Client talks to one backend base URL. Point operations run to completion
// with the caller's context; the streaming operations return a cancellable
// sse.Stream bound to the same context.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger

	snapshots *lru.Cache[string, RunSnapshot]
	refetch   singleflight.Group
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport. Tests use this to pin a server.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a logger; the default discards everything.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(logger) }
}

// NewClient builds a client for baseURL, e.g. "http://localhost:8000".
func NewClient(baseURL string, opts ...Option) *Client {
	// The stream endpoints stay open for the lifetime of a run, so the
	// shared transport carries no overall timeout. Point operations bound
	// themselves through the caller's context.
	c := &Client{
		baseURL:    trimBase(baseURL),
		httpClient: &http.Client{},
		logger:     logging.Nop(),
	}
	c.snapshots, _ = lru.New[string, RunSnapshot](snapshotCacheSize)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func trimBase(baseURL string) string {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return baseURL
}

// BaseURL returns the configured backend origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Decompose asks the backend to split query into sub-task names.
func (c *Client) Decompose(ctx context.Context, query string) ([]string, error) {
	var out struct {
		SubTasks []string `json:"sub_tasks"`
	}
	if err := c.postJSON(ctx, "decompose", "/api/v1/workflow/decompose",
		map[string]string{"query": query}, &out); err != nil {
		return nil, err
	}
	return out.SubTasks, nil
}

// StreamWorkflow opens the legacy workflow stream. The returned stream is
// bound to ctx: cancelling ctx aborts the connection and makes Next return
// the context error.
func (c *Client) StreamWorkflow(ctx context.Context, req StreamRequest) (*sse.Stream, error) {
	body, err := jsonx.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/workflow/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if IsCancellation(err) || ctx.Err() != nil {
			return nil, context.Canceled
		}
		return nil, &NetworkError{Op: "stream", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorBody(resp.Body)
		_ = resp.Body.Close()
		return nil, &HTTPError{Op: "stream", Status: resp.StatusCode, Body: msg}
	}
	c.logger.Debug("workflow stream open: from_step=%d", req.FromStep)
	return sse.NewStream(ctx, resp.Body), nil
}

// CreateRun starts a run in the run/confirm protocol. The run comes back in
// waiting_confirm with suggested sub-tasks.
func (c *Client) CreateRun(ctx context.Context, query string) (RunCreated, error) {
	var out RunCreated
	err := c.postJSON(ctx, "create run", "/api/runs", map[string]string{"query": query}, &out)
	return out, err
}

// GetRun fetches the authoritative snapshot. Concurrent refetches for the
// same run (bursts of checkpoint events) collapse into one request, and the
// latest snapshot lands in a small LRU for cheap re-reads.
func (c *Client) GetRun(ctx context.Context, runID string) (RunSnapshot, error) {
	v, err, _ := c.refetch.Do(runID, func() (any, error) {
		var snap RunSnapshot
		if err := c.getJSON(ctx, "get run", "/api/runs/"+runID, &snap); err != nil {
			return RunSnapshot{}, err
		}
		c.snapshots.Add(runID, snap)
		return snap, nil
	})
	if err != nil {
		return RunSnapshot{}, err
	}
	return v.(RunSnapshot), nil
}

// CachedRun returns the last snapshot fetched for runID, if any.
func (c *Client) CachedRun(runID string) (RunSnapshot, bool) {
	return c.snapshots.Get(runID)
}

// ConfirmSubtasks submits the edited sub-task list. Resubmitting the same
// sanitized list is safe; the backend rejects runs not in waiting_confirm.
func (c *Client) ConfirmSubtasks(ctx context.Context, runID string, subtasks []Subtask) error {
	return c.postJSON(ctx, "confirm subtasks", "/api/runs/"+runID+"/subtasks/confirm",
		map[string]any{"subtasks": subtasks}, nil)
}

// RerunFromStep invalidates steps >= step and restarts there. Progress is
// observed only through the event channel.
func (c *Client) RerunFromStep(ctx context.Context, runID string, step int, reason string) error {
	body := map[string]any{"reason": nil}
	if reason != "" {
		body["reason"] = reason
	}
	return c.postJSON(ctx, "rerun", "/api/runs/"+runID+"/step/"+strconv.Itoa(step)+"/rerun", body, nil)
}

// EventsURL returns the event-channel URL for a run.
func (c *Client) EventsURL(runID string) string {
	return c.baseURL + "/api/runs/" + runID + "/events"
}

// OpenEvents connects to the run's event channel. lastEventID > 0 resumes
// after a previously seen sequence number.
func (c *Client) OpenEvents(ctx context.Context, runID string, lastEventID int) (*sse.Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.EventsURL(runID), nil)
	if err != nil {
		return nil, fmt.Errorf("build events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.Itoa(lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if IsCancellation(err) || ctx.Err() != nil {
			return nil, context.Canceled
		}
		return nil, &NetworkError{Op: "events", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorBody(resp.Body)
		_ = resp.Body.Close()
		return nil, &HTTPError{Op: "events", Status: resp.StatusCode, Body: msg}
	}
	c.logger.Debug("event channel open: run=%s last_event_id=%d", runID, lastEventID)
	return sse.NewStream(ctx, resp.Body), nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := jsonx.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if IsCancellation(err) || req.Context().Err() != nil {
			return context.Canceled
		}
		return &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Op: op, Status: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := jsonx.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	const limit = 2048
	b, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(b))
}
