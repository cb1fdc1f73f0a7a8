// Package notify posts trade outcomes to an optional webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Event is the webhook payload.
type Event struct {
	RunID     string    `json:"run_id"`
	Identity  string    `json:"identity"`
	Operation string    `json:"operation"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Reason    string    `json:"reason,omitempty"`
	Warning   string    `json:"warning,omitempty"`
	Confirmed bool      `json:"confirmed"`
	Finished  time.Time `json:"finished_at"`
}

// Webhook sends events to a fixed endpoint.
type Webhook struct {
	client   *http.Client
	endpoint string
}

// NewWebhook returns nil for an empty endpoint. A nil client uses
// http.DefaultClient.
func NewWebhook(client *http.Client, endpoint string) *Webhook {
	if endpoint == "" {
		return nil
	}
	return &Webhook{client: client, endpoint: endpoint}
}

// Notify posts ev. A nil Webhook is a no-op.
func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	if w == nil {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode outcome event: %w", err)
	}
	return Send(ctx, w.client, w.endpoint, "application/json", body)
}

// Send POSTs body to endpoint and treats any non-2xx status as an error.
func Send(ctx context.Context, client *http.Client, endpoint, contentType string, body []byte) error {
	if endpoint == "" {
		return errors.New("webhook endpoint is required")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("outcome webhook failed: status=%d", resp.StatusCode)
	}
	return nil
}
