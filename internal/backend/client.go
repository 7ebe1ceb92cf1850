// Package backend talks to the storage backend that holds the actual file
// bytes. This service never proxies content; it only provisions flows here
// and redirects clients at the backend's push and pull endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"dropgate/internal/session"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultMaxConcurrent  = 16

	// maxErrorBody caps how much of a failed provisioning response is
	// drained before the connection is reused.
	maxErrorBody = 4 << 10
)

// Config configures the backend client.
type Config struct {
	// BaseURL is the backend base address, e.g. http://storage:9000.
	BaseURL string
	// HTTPClient overrides the underlying HTTP client.
	HTTPClient *http.Client
	// Timeout bounds each provisioning request when HTTPClient is nil.
	Timeout time.Duration
	// MaxConcurrent bounds in-flight provisioning calls.
	MaxConcurrent int64
}

// Client provisions transfer flows over the backend HTTP API. Concurrent
// provisioning is bounded with a weighted semaphore so a burst of session
// creations cannot pile connections onto the backend.
type Client struct {
	base *url.URL
	http *http.Client
	sem  *semaphore.Weighted
}

// New constructs a Client for the backend at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend URL %q must be http or https", raw)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Client{
		base: base,
		http: httpClient,
		sem:  semaphore.NewWeighted(maxConcurrent),
	}, nil
}

// Address returns the backend base address recorded on sessions.
func (c *Client) Address() string {
	return c.base.String()
}

type newFlowRequest struct {
	Size         int64 `json:"size"`
	PreserveMode bool  `json:"preserve_mode"`
}

type newFlowResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// NewFlow provisions a flow for a transfer of the declared size. The backend
// is asked to preserve the uploaded content under a server-chosen name rather
// than overwrite. Any non-200 status or malformed response is a failure.
func (c *Client) NewFlow(ctx context.Context, size int64) (session.Flow, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return session.Flow{}, fmt.Errorf("acquire provisioning slot: %w", err)
	}
	defer c.sem.Release(1)

	payload, err := json.Marshal(newFlowRequest{Size: size, PreserveMode: true})
	if err != nil {
		return session.Flow{}, fmt.Errorf("encode flow request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+"/new", bytes.NewReader(payload))
	if err != nil {
		return session.Flow{}, fmt.Errorf("build flow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return session.Flow{}, fmt.Errorf("call backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return session.Flow{}, fmt.Errorf("backend returned status %d", resp.StatusCode)
	}

	var decoded newFlowResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return session.Flow{}, fmt.Errorf("decode flow response: %w", err)
	}
	if decoded.ID == "" || decoded.Token == "" {
		return session.Flow{}, fmt.Errorf("backend flow response missing id or token")
	}
	return session.Flow{ID: decoded.ID, Token: decoded.Token}, nil
}

// PushURL builds the backend push endpoint for a provisioned flow, carrying
// the flow token as the query credential.
func PushURL(storageServer, flowID, flowToken string) string {
	return fmt.Sprintf("%s/flow/%s/push?token=%s",
		strings.TrimSuffix(storageServer, "/"),
		url.PathEscape(flowID),
		url.QueryEscape(flowToken))
}

// PullURL builds the backend pull endpoint for a stored flow, carrying the
// client-visible filename as a query parameter.
func PullURL(storageServer, flowID, filename string) string {
	return fmt.Sprintf("%s/flow/%s/pull?filename=%s",
		strings.TrimSuffix(storageServer, "/"),
		url.PathEscape(flowID),
		url.QueryEscape(filename))
}
