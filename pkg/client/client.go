// Package client is a Go client for the indexkeeper admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNotFound is returned for HTTP 404 responses.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned for HTTP 409 responses.
var ErrConflict = errors.New("conflict")

// Client provides HTTP client functionality to communicate with the indexkeeper daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new indexkeeper API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Daemon reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &out)
	return out, err
}

func (c *Client) ListLocks(ctx context.Context) ([]Lock, error) {
	var out []Lock
	err := c.do(ctx, http.MethodGet, "/locks", nil, nil, &out)
	return out, err
}

// ReleaseLock force-releases the lock on resource regardless of holder.
func (c *Client) ReleaseLock(ctx context.Context, resource string) error {
	return c.do(ctx, http.MethodPost, "/locks/release", url.Values{"resource": {resource}}, nil, nil)
}

func (c *Client) ListRuns(ctx context.Context, q RunQuery) ([]Run, error) {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Client != "" {
		v.Set("client", q.Client)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var out []Run
	err := c.do(ctx, http.MethodGet, "/runs", v, nil, &out)
	return out, err
}

func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var out Run
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) ListFolders(ctx context.Context) ([]Folder, error) {
	var out []Folder
	err := c.do(ctx, http.MethodGet, "/folders", nil, nil, &out)
	return out, err
}

func (c *Client) AddFolder(ctx context.Context, req AddFolderRequest) (Folder, error) {
	var out Folder
	err := c.do(ctx, http.MethodPost, "/folders", nil, req, &out)
	return out, err
}

func (c *Client) RemoveFolder(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, "/folders", url.Values{"path": {path}}, nil, nil)
}

func (c *Client) SetFolderEnabled(ctx context.Context, path string, enabled bool) error {
	v := url.Values{"path": {path}, "enabled": {strconv.FormatBool(enabled)}}
	return c.do(ctx, http.MethodPost, "/folders/enable", v, nil, nil)
}

// ScanFolder triggers a manual scan and waits for its result.
func (c *Client) ScanFolder(ctx context.Context, path string) (ScanResult, error) {
	var out ScanResult
	err := c.do(ctx, http.MethodPost, "/folders/scan", url.Values{"path": {path}}, nil, &out)
	return out, err
}

func (c *Client) SchedulerStatus(ctx context.Context) (SchedulerStatus, error) {
	var out SchedulerStatus
	err := c.do(ctx, http.MethodGet, "/scheduler", nil, nil, &out)
	return out, err
}

func (c *Client) StartScheduler(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/scheduler/start", nil, nil, nil)
}

func (c *Client) StopScheduler(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/scheduler/stop", nil, nil, nil)
}

// do performs a request and decodes a 2xx JSON body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var sentinel error
	switch resp.StatusCode {
	case http.StatusNotFound:
		sentinel = ErrNotFound
	case http.StatusConflict:
		sentinel = ErrConflict
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		if sentinel != nil {
			return fmt.Errorf("HTTP %d: %w", resp.StatusCode, sentinel)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	if sentinel != nil {
		return fmt.Errorf("API error: %s: %w", errorResp.Error, sentinel)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
