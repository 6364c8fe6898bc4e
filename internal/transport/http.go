package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"lineage-stats/internal/domain"
)

// HTTPTransport POSTs each event to a lineage endpoint.
type HTTPTransport struct {
	endpoint string
	token    string
	client   *http.Client
}

var _ domain.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a sink posting to endpoint. A nil client gets a
// default with a 10s timeout.
func NewHTTPTransport(endpoint, token string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{endpoint: endpoint, token: token, client: client}
}

// Name implements domain.Transport.
func (t *HTTPTransport) Name() string { return "http" }

// Send implements domain.Transport. Network errors, 408, 429 and 5xx are
// retryable; other non-2xx responses are final.
func (t *HTTPTransport) Send(ctx context.Context, env domain.Envelope) error {
	if err := requireEvent(env); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(env.Payload))
	if err != nil {
		return fmt.Errorf("http transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", env.ID())
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.Retryable(fmt.Errorf("http transport: post: %w", err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classify(resp.StatusCode, fmt.Errorf("http transport: %s returned %d: %s",
		t.endpoint, resp.StatusCode, bytes.TrimSpace(body)))
}
