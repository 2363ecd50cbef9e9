// Package alerts delivers budget threshold events to operators.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pario-ai/genroute/pkg/logging"
	"github.com/pario-ai/genroute/pkg/models"
)

const userAgent = "genroute-alerts/1"

// Notifier delivers one threshold event.
type Notifier interface {
	Notify(ctx context.Context, ev models.ThresholdEvent) error
}

// LogNotifier writes events to the process log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(_ context.Context, ev models.ThresholdEvent) error {
	log := logging.Component("alerts")
	kv := []any{"account", ev.AccountID, "level", ev.Level, "remaining", ev.Remaining, "threshold", ev.Threshold}
	if ev.Level == models.LevelWarning {
		log.Warn("budget threshold crossed", kv...)
	} else {
		log.Error("budget threshold crossed", kv...)
	}
	return nil
}

// Webhook POSTs each event as JSON.
type Webhook struct {
	endpoint string
	client   *http.Client
}

// NewWebhook returns a Webhook for endpoint. A zero timeout means 10s.
func NewWebhook(endpoint string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{Timeout: timeout},
	}
}

type webhookBody struct {
	Title string `json:"title"`
	models.ThresholdEvent
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, ev models.ThresholdEvent) error {
	if w == nil || w.endpoint == "" {
		return nil
	}
	body, err := json.Marshal(webhookBody{Title: Title(ev), ThresholdEvent: ev})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Title is the one-line human summary of an event.
func Title(ev models.ThresholdEvent) string {
	if ev.Level == models.LevelExhausted {
		return fmt.Sprintf("genroute: %s exhausted", ev.AccountID)
	}
	return fmt.Sprintf("genroute: %s %s (%d credits left)", ev.AccountID, ev.Level, ev.Remaining)
}
