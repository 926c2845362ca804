// Package client is the wrapper-side HTTP client for the Broker (spec §5):
// fire-and-forget calls with short timeouts, at most one outstanding per
// semantic channel (state, details, debug), never blocking the PTY pump.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kaihochak/tallr/internal/common/logger"
	"github.com/kaihochak/tallr/internal/common/tracing"
	"github.com/kaihochak/tallr/pkg/tallrapi"
)

// Client talks to one Broker instance on behalf of one wrapped session.
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	pollHTTPClient *http.Client // no blanket timeout: PollPermission's long poll is bounded by its own context instead
	log            *logger.Logger

	retryAttempts int
	retryDelay    time.Duration
}

// Config configures a Client.
type Config struct {
	Gateway        string
	Token          string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
}

// New builds a Client. ConnectTimeout and ReadTimeout both fold into the
// single http.Client.Timeout, which takes the larger of the two (5s default
// per spec §5); Go's net/http has no separate connect-only timeout without a
// custom dialer, so the combined timeout is the idiomatic approximation used
// here.
func New(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.ConnectTimeout
	if cfg.ReadTimeout > timeout {
		timeout = cfg.ReadTimeout
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:        cfg.Gateway,
		token:          cfg.Token,
		httpClient:     &http.Client{Timeout: timeout},
		pollHTTPClient: &http.Client{},
		log:            log,
		retryAttempts:  cfg.RetryAttempts,
		retryDelay:     cfg.RetryDelay,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	ctx, span := tracing.TraceHTTPRequest(ctx, method, path)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		tracing.TraceHTTPResponse(span, 0, err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		tracing.TraceHTTPResponse(span, 0, err)
		return err
	}
	defer resp.Body.Close()
	tracing.TraceHTTPResponse(span, resp.StatusCode, nil)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("broker %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

// doWithRetry retries up to retryAttempts additional times, retryDelay
// apart. Per spec §7, retries apply to state mutations only — callers
// opt in by calling this instead of do.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
		lastErr = c.do(ctx, method, path, body)
		if lastErr == nil {
			return nil
		}
		c.log.WithError(lastErr).Debug("broker request failed, will retry")
	}
	return lastErr
}

// Upsert registers or updates a project/task pair (spec §4.5 upsert).
// Fire-and-forget: errors are logged, never surfaced to the PTY pump.
func (c *Client) Upsert(ctx context.Context, req tallrapi.UpsertRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/upsert", req)
}

// PushState posts a state transition, retried per spec §7.
func (c *Client) PushState(ctx context.Context, req tallrapi.StateRequest) error {
	return c.doWithRetry(ctx, http.MethodPost, "/v1/tasks/state", req)
}

// PushDetails posts a details-only update (no state emission, spec §4.5).
func (c *Client) PushDetails(ctx context.Context, req tallrapi.DetailsRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/details", req)
}

// Done marks the task DONE.
func (c *Client) Done(ctx context.Context, req tallrapi.DoneRequest) error {
	return c.doWithRetry(ctx, http.MethodPost, "/v1/tasks/done", req)
}

// PushDebug stores a diagnostic snapshot for the UI debug view.
func (c *Client) PushDebug(ctx context.Context, req tallrapi.DebugUpdateRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/debug/update", req)
}

// PollPermission long-polls the Broker for a decision on one outstanding
// permission-request (spec §4.2/§8 "Approval round-trip"). The Broker holds
// the request open until a decision arrives or its own wait elapses; a
// ready=false result means the Broker's own wait timed out and the caller
// should immediately re-issue the call, not back off — the Broker already
// paced it. Callers should size ctx's deadline comfortably above the
// Broker's poll window so a slow round-trip doesn't look like an error.
func (c *Client) PollPermission(ctx context.Context, taskID string, id int64) (tallrapi.PermissionDecision, bool, error) {
	path := fmt.Sprintf("/v1/tasks/%s/permission/%d", taskID, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", false, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.pollHTTPClient.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", false, fmt.Errorf("broker GET %s: status %d", path, resp.StatusCode)
	}

	var out tallrapi.PermissionPollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, err
	}
	return out.Decision, out.Ready, nil
}
