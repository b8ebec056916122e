// Package analytics sends product events to PostHog's capture endpoint.
// Delivery is fire-and-forget: failures are logged and never surface to the
// caller.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const captureTimeout = 5 * time.Second

// Client posts capture events. A nil *Client is a no-op, so call sites never
// need an enabled check.
type Client struct {
	apiKey     string
	host       string
	httpClient *http.Client
}

// Config configures the PostHog sink.
type Config struct {
	Enabled bool
	APIKey  string
	Host    string
}

// NewClient returns nil when analytics is disabled or unconfigured.
func NewClient(cfg Config) *Client {
	if !cfg.Enabled || cfg.APIKey == "" {
		return nil
	}
	host := cfg.Host
	if host == "" {
		host = "https://app.posthog.com"
	}
	return &Client{
		apiKey:     cfg.APIKey,
		host:       host,
		httpClient: &http.Client{Timeout: captureTimeout},
	}
}

type captureRequest struct {
	APIKey     string         `json:"api_key"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Capture records one event for a user, asynchronously. The request context
// is deliberately not used; a canceled request should still count.
func (c *Client) Capture(event, distinctID string, properties map[string]any) {
	if c == nil {
		return
	}
	go c.send(event, distinctID, properties)
}

func (c *Client) send(event, distinctID string, properties map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()

	payload := captureRequest{
		APIKey:     c.apiKey,
		Event:      event,
		DistinctID: distinctID,
		Properties: properties,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Failed to encode analytics event", "event", event, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/capture/", bytes.NewReader(body))
	if err != nil {
		slog.Warn("Failed to build analytics request", "event", event, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("Failed to deliver analytics event", "event", event, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("Analytics event rejected", "event", event, "status", resp.StatusCode)
	}
}
