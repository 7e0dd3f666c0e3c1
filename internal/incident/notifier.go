// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package incident

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bastion/internal/config"
)

// Notifier delivers incident notifications to an external channel.
type Notifier interface {
	Send(ctx context.Context, inc *Incident) error
}

// WebhookNotifier posts incident notifications to a webhook endpoint.
type WebhookNotifier struct {
	webhookURL string
	headers    map[string]string
	client     *http.Client
	enabled    bool
	mu         sync.RWMutex

	// Rate limiting
	lastSent  time.Time
	rateLimit time.Duration
}

// WebhookPayload is the JSON body sent to the webhook endpoint.
type WebhookPayload struct {
	Incident  *Incident `json:"incident"`
	EventType string    `json:"event_type"` // incident_notification
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // bastion
}

// NewWebhookNotifier creates a webhook notifier from config.
func NewWebhookNotifier(cfg config.NotifyConfig) *WebhookNotifier {
	rateLimit := time.Duration(cfg.RateLimitMs) * time.Millisecond
	if rateLimit == 0 {
		rateLimit = 500 * time.Millisecond
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	headers := make(map[string]string)
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &WebhookNotifier{
		webhookURL: cfg.WebhookURL,
		headers:    headers,
		enabled:    cfg.Enabled,
		rateLimit:  rateLimit,
		client:     &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether the notifier will deliver anything.
func (n *WebhookNotifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled && n.webhookURL != ""
}

// SetEnabled enables or disables delivery.
func (n *WebhookNotifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// SetWebhookURL updates the webhook URL.
func (n *WebhookNotifier) SetWebhookURL(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.webhookURL = url
}

// Send delivers an incident notification. A disabled or unconfigured
// notifier succeeds without sending.
func (n *WebhookNotifier) Send(ctx context.Context, inc *Incident) error {
	n.mu.RLock()
	if !n.enabled || n.webhookURL == "" {
		n.mu.RUnlock()
		return nil
	}
	webhookURL := n.webhookURL
	headers := make(map[string]string)
	for k, v := range n.headers {
		headers[k] = v
	}
	rateLimit := n.rateLimit
	lastSent := n.lastSent
	n.mu.RUnlock()

	// Rate limiting with context cancellation support
	if wait := rateLimit - time.Since(lastSent); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	payload := WebhookPayload{
		Incident:  inc,
		EventType: "incident_notification",
		Timestamp: time.Now().UTC(),
		Source:    "bastion",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()

	n.mu.Lock()
	n.lastSent = time.Now()
	n.mu.Unlock()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}
