// Package client provides a typed Go client for the helm-timelock API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-timelock/pkg/api"
	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status  int
	Code    string
	Detail  string
	TraceID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("helm-timelock api %d %s: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("helm-timelock api %d: %s", e.Status, e.Detail)
}

// ErrorCode returns the timelock error code, if the server sent one.
func (e *APIError) ErrorCode() string {
	return e.Code
}

// Client is a typed client for the timelock API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// Retries is how many times a request is re-sent after a transport
	// error, 429 or 503. Mutations reuse their Idempotency-Key.
	Retries int
	Backoff time.Duration
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Backoff:    200 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithRetries sets the retry budget for transient failures.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.Retries = n
		c.Backoff = backoff
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	idemKey := ""
	if method == http.MethodPost || method == http.MethodPut {
		idemKey = uuid.NewString()
	}

	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.Backoff):
			}
		}

		status, err := c.once(ctx, method, path, payload, idemKey, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var netErr net.Error
		if !retryable(status) && !errors.As(err, &netErr) {
			return err
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, idemKey string, out any) (int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var problem api.ProblemDetail
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil && problem.Status != 0 {
			return resp.StatusCode, &APIError{
				Status:  resp.StatusCode,
				Code:    problem.Code,
				Detail:  problem.Detail,
				TraceID: problem.TraceID,
			}
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Detail: http.StatusText(resp.StatusCode)}
	}

	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return &out, err
}

// SetConfig calls PUT /v1/configs/{announcer} as the executor.
func (c *Client) SetConfig(ctx context.Context, announcer contracts.Principal, cfg contracts.Config) (*api.ConfigResponse, error) {
	var out api.ConfigResponse
	err := c.do(ctx, http.MethodPut, "/v1/configs/"+url.PathEscape(announcer.String()), cfg, &out)
	return &out, err
}

// GetConfig calls GET /v1/configs/{executor}/{announcer}.
func (c *Client) GetConfig(ctx context.Context, executor, announcer contracts.Principal) (*api.ConfigResponse, error) {
	var out api.ConfigResponse
	path := "/v1/configs/" + url.PathEscape(executor.String()) + "/" + url.PathEscape(announcer.String())
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return &out, err
}

// Announce calls POST /v1/announcements as the announcer.
func (c *Client) Announce(ctx context.Context, req api.AnnounceRequest) (*api.AnnounceResponse, error) {
	var out api.AnnounceResponse
	err := c.do(ctx, http.MethodPost, "/v1/announcements", req, &out)
	return &out, err
}

// Approve calls POST /v1/approvals as the executor.
func (c *Client) Approve(ctx context.Context, req contracts.ApprovalRequest) (*api.FingerprintResponse, error) {
	var out api.FingerprintResponse
	err := c.do(ctx, http.MethodPost, "/v1/approvals", req, &out)
	return &out, err
}

// Revoke calls POST /v1/revocations as the executor.
func (c *Client) Revoke(ctx context.Context, action contracts.Action) (*api.FingerprintResponse, error) {
	var out api.FingerprintResponse
	err := c.do(ctx, http.MethodPost, "/v1/revocations", api.ActionRequest{Action: action}, &out)
	return &out, err
}

// Execute calls POST /v1/executions.
func (c *Client) Execute(ctx context.Context, executor contracts.Principal, action contracts.Action) (*api.ExecuteResponse, error) {
	var out api.ExecuteResponse
	err := c.do(ctx, http.MethodPost, "/v1/executions", api.ActionRequest{Executor: executor, Action: action}, &out)
	return &out, err
}

// Fingerprint calls POST /v1/fingerprints.
func (c *Client) Fingerprint(ctx context.Context, executor contracts.Principal, action contracts.Action) (*api.FingerprintResponse, error) {
	var out api.FingerprintResponse
	err := c.do(ctx, http.MethodPost, "/v1/fingerprints", api.ActionRequest{Executor: executor, Action: action}, &out)
	return &out, err
}

// Status calls GET /v1/announcements/{fingerprint}.
func (c *Client) Status(ctx context.Context, fp contracts.Fingerprint) (*api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/announcements/"+fp.Hex(), nil, &out)
	return &out, err
}

// Prune calls POST /v1/prune. It needs an operator token.
func (c *Client) Prune(ctx context.Context) (*api.PruneResponse, error) {
	var out api.PruneResponse
	err := c.do(ctx, http.MethodPost, "/v1/prune", nil, &out)
	return &out, err
}

// EventsQuery filters GET /v1/events.
type EventsQuery struct {
	Fingerprint *contracts.Fingerprint
	Type        contracts.EventType
	After       uint64
	Limit       int
}

// Events calls GET /v1/events. It needs an operator token.
func (c *Client) Events(ctx context.Context, q EventsQuery) (*api.EventsResponse, error) {
	v := url.Values{}
	if q.Fingerprint != nil {
		v.Set("fingerprint", q.Fingerprint.Hex())
	}
	if q.Type != "" {
		v.Set("type", string(q.Type))
	}
	if q.After > 0 {
		v.Set("after", strconv.FormatUint(q.After, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/v1/events"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out api.EventsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return &out, err
}
