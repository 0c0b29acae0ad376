// Package webhook posts alert messages to a configured URL. Delivery is
// fire and forget: failures are logged and counted, never surfaced to the
// caller.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cb-recorder/internal/platform/metrics"
)

// requestTimeout bounds a single delivery attempt.
const requestTimeout = 10 * time.Second

// Message is the payload posted to the webhook URL.
type Message struct {
	Text      string `json:"text"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// Notifier delivers alert messages over HTTP POST.
type Notifier struct {
	url     string
	source  string
	client  *http.Client
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New builds a Notifier posting to url. Each message is tagged with source
// so receivers can tell instances apart.
func New(url, source string, log *slog.Logger, m *metrics.Metrics) *Notifier {
	return &Notifier{
		url:     url,
		source:  source,
		client:  &http.Client{Timeout: requestTimeout},
		log:     log,
		metrics: m,
	}
}

// Notify posts text in the background so callers never wait on delivery.
func (n *Notifier) Notify(text string) {
	go func() {
		if err := n.send(context.Background(), text); err != nil {
			n.metrics.IncWebhookFailures()
			n.log.Warn("webhook delivery failed", slog.String("error", err.Error()))
		}
	}()
}

func (n *Notifier) send(ctx context.Context, text string) error {
	body, err := json.Marshal(Message{
		Text:      text,
		Source:    n.source,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
