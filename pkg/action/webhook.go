package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
)

// WebhookAction POSTs the request as JSON to an operator endpoint.
// Any 2xx counts as success; the response body becomes the detail.
type WebhookAction struct {
	name   string
	url    string
	token  string
	client *http.Client
}

type WebhookOption func(*WebhookAction)

// WithBearerToken sets the Authorization header.
func WithBearerToken(token string) WebhookOption {
	return func(w *WebhookAction) { w.token = token }
}

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookAction) { w.client = c }
}

func NewWebhookAction(name, url string, opts ...WebhookOption) *WebhookAction {
	w := &WebhookAction{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebhookAction) Name() string { return w.name }

func (w *WebhookAction) Execute(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("webhook %s: encode request: %w", w.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("webhook %s: %w", w.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.RunID)
	if w.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &contracts.UpstreamUnavailable{Upstream: "webhook " + w.name, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(out))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("webhook %s: status %d: %s", w.name, resp.StatusCode, detail)
	}
	return Result{Detail: detail}, nil
}
