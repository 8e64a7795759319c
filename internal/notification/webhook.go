package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"algoengine/internal/model"
)

// WebhookSink POSTs signal JSON to a single HTTP endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink builds a webhook sink for url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifySignal posts {"type":"signal", ...}.
func (w *WebhookSink) NotifySignal(ctx context.Context, sig model.Signal) error {
	return w.post(ctx, map[string]interface{}{
		"type":   "signal",
		"signal": sig,
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// NotifyOptionSignal posts {"type":"option_signal", ...}.
func (w *WebhookSink) NotifyOptionSignal(ctx context.Context, sig model.OptionSignal) error {
	return w.post(ctx, map[string]interface{}{
		"type":   "option_signal",
		"signal": sig,
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (w *WebhookSink) post(ctx context.Context, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
