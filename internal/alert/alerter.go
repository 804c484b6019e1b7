// Package alert pages operators about endpoint and breaker trouble.
// Channels are plain webhooks; a fan-out wrapper dedups flapping sources
// with a per-key cooldown.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/jettran001/diamondBotV2/internal/metrics"
)

type AlertType string

const (
	AlertTypeBreakerOpen       AlertType = "BREAKER_OPEN"
	AlertTypeBreakerRecovered  AlertType = "BREAKER_RECOVERED"
	AlertTypeEndpointDown      AlertType = "ENDPOINT_DOWN"
	AlertTypeEndpointRecovered AlertType = "ENDPOINT_RECOVERED"
	AlertTypePoolExhausted     AlertType = "POOL_EXHAUSTED"
)

// Alert is one operator-facing event tied to a chain and endpoint.
type Alert struct {
	Type     AlertType
	Chain    string
	Endpoint string
	Title    string
	Message  string
	Fields   map[string]string
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// MultiAlerter fans out alerts to multiple channels with per-key cooldown
// so a flapping endpoint cannot page repeatedly.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		lastSent: make(map[string]time.Time),
	}
}

// Send dispatches to every channel unless the same (type, chain, endpoint)
// fired within the cooldown. One failing channel does not stop the rest;
// the first error is returned.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := fmt.Sprintf("%s:%s:%s", alert.Type, alert.Chain, alert.Endpoint)

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && time.Since(last) < m.cooldown {
		m.mu.Unlock()
		m.logger.Debug("alert suppressed by cooldown", "key", key)
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
		return nil
	}
	m.lastSent[key] = time.Now()
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		err := a.Send(ctx, alert)
		if err == nil {
			metrics.AlertsSentTotal.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
			continue
		}
		m.logger.Warn("alert send failed",
			"channel", alerterName(a), "type", alert.Type, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *SlackAlerter:
		return "slack"
	case *WebhookAlerter:
		return "webhook"
	default:
		return "unknown"
	}
}

// postJSON delivers one JSON payload to a webhook channel.
func postJSON(ctx context.Context, client *http.Client, url, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// SlackAlerter posts a formatted text message to a Slack webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	emoji := ":warning:"
	switch alert.Type {
	case AlertTypeBreakerRecovered, AlertTypeEndpointRecovered:
		emoji = ":white_check_mark:"
	case AlertTypePoolExhausted:
		emoji = ":rotating_light:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s %s: %s\n%s",
		emoji, alert.Type, alert.Chain, alert.Endpoint, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		b.WriteString("\n")
		for k, v := range alert.Fields {
			fmt.Fprintf(&b, "- *%s*: %s\n", k, v)
		}
	}

	return postJSON(ctx, s.client, s.webhookURL, "slack", map[string]string{"text": b.String()})
}

// WebhookAlerter posts the alert as structured JSON to a generic webhook.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, w.client, w.url, "webhook", map[string]any{
		"type":     string(alert.Type),
		"chain":    alert.Chain,
		"endpoint": alert.Endpoint,
		"title":    alert.Title,
		"message":  alert.Message,
		"fields":   alert.Fields,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

// NoopAlerter is installed when no channels are configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
