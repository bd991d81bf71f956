package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// WebhookRequest is the body POSTed to an executor's endpoint.
type WebhookRequest struct {
	Executor contracts.Principal `json:"executor"`
	Call     contracts.Call      `json:"call"`
}

// Webhook forwards calls to an executor's HTTP endpoint. A 2xx response is
// success. Approval requests arrive like any other call, addressed to the
// timelock module. The endpoint accepts one by replying 2xx and then calling
// POST /v1/approvals; the announcer sees the announcement as pending until
// then. Calling the API before replying is refused with APPROVAL_IN_FLIGHT.
type Webhook struct {
	url    string
	client *http.Client
	header http.Header
}

// NewWebhook creates a webhook collaborator. A zero timeout means 10s.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		header: make(http.Header),
	}
}

// WithHeader adds a static header, such as a shared secret, to every request.
func (w *Webhook) WithHeader(key, value string) *Webhook {
	w.header.Set(key, value)
	return w
}

// Dispatch implements engine.Executor.
func (w *Webhook) Dispatch(ctx context.Context, executor contracts.Principal, call contracts.Call) error {
	body, err := json.Marshal(WebhookRequest{Executor: executor, Call: call})
	if err != nil {
		return fmt.Errorf("webhook: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	for k, vs := range w.header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")
	if !call.GasLimit.IsZero() {
		req.Header.Set("X-Timelock-Gas-Limit", call.GasLimit.String())
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: %s returned %d: %s", w.url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
