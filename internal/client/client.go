// Package client talks to the assessment HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/nuka-assess/internal/orchestrator"
	"github.com/nidhogg/nuka-assess/internal/registry"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	Kind    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Client is a thin wrapper over the v1 routes.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for baseURL, e.g. http://localhost:8080.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Submit starts an assessment.
func (c *Client) Submit(ctx context.Context, req orchestrator.Request) (*orchestrator.Accepted, error) {
	var out orchestrator.Accepted
	if err := c.do(ctx, http.MethodPost, "/api/v1/assess", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, id string) (orchestrator.StatusView, error) {
	var out orchestrator.StatusView
	err := c.do(ctx, http.MethodGet, "/api/v1/assessment/"+url.PathEscape(id)+"/status", nil, &out)
	return out, err
}

func (c *Client) Report(ctx context.Context, id string) (*orchestrator.Report, error) {
	var out orchestrator.Report
	if err := c.do(ctx, http.MethodGet, "/api/v1/assessment/"+url.PathEscape(id)+"/report", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (orchestrator.StatusView, error) {
	var out orchestrator.StatusView
	err := c.do(ctx, http.MethodPost, "/api/v1/assessment/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out, err
}

// List returns assessment summaries. With archived set it reads the
// persisted history instead of the live process.
func (c *Client) List(ctx context.Context, archived bool, limit int) ([]orchestrator.Summary, error) {
	q := url.Values{}
	if archived {
		q.Set("source", "archive")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/assessments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []orchestrator.Summary
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Agents(ctx context.Context) ([]registry.Descriptor, error) {
	var out []registry.Descriptor
	err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &out)
	return out, err
}

// Wait polls the status route every interval until the assessment is terminal.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (orchestrator.StatusView, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		view, err := c.Status(ctx, id)
		if err != nil {
			return view, err
		}
		if view.OverallStatus.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error, Kind: e.Kind}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
