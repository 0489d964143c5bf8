package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url     string
	service string
	client  *http.Client
}

// NewWebhookNotifier creates a webhook notifier tagging alerts with service.
func NewWebhookNotifier(url, service string) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		service: service,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Service string     `json:"service"`
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	TS      string     `json:"ts"`
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Service: w.service,
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
	})
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
	slog.Debug("alert sent", "component", "notify", "title", alert.Title)
	return nil
}
