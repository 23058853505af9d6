// Package notify delivers operator alerts through a Discord-compatible
// webhook. The engine raises very few of these (breaker trips above all), so
// delivery is simple fire-and-report, no queue.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

var eventColors = map[string]int{
	"circuit_breaker_trip": 0xE74C3C, // red
	"capitulation_ban":     0xE67E22, // orange
	"drawdown_close_all":   0xE74C3C,
}

const defaultColor = 0x3498DB // blue

// Webhook posts embed-style messages to a Discord webhook URL. An empty URL
// disables delivery entirely; Notify then succeeds without doing anything.
type Webhook struct {
	url     string
	client  *http.Client
	enabled bool
}

// NewWebhook creates a notifier for the given webhook URL.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		enabled: url != "",
	}
}

// Notify sends one message for the event. Failures are returned, never
// retried: a breaker trip must not stall on a dead webhook.
func (w *Webhook) Notify(ctx context.Context, event, message string) error {
	if !w.enabled {
		slog.Debug("Notification skipped, no webhook configured", slog.String("event", event))
		return nil
	}

	color, ok := eventColors[event]
	if !ok {
		color = defaultColor
	}

	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       event,
				"description": message,
				"color":       color,
				"footer": map[string]string{
					"text": "Position Guard Engine",
				},
				"timestamp": time.Now().Format(time.RFC3339),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
