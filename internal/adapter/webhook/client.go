// Package webhook delivers ticket classifications to the CRM callback
// endpoint.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-gateway/internal/config"
	"github.com/fairyhunter13/ai-gateway/internal/domain"
)

// Client PUTs classifications to the configured webhook URL with the shared
// secret header. It implements domain.TicketPublisher.
type Client struct {
	url    string
	secret string
	hc     *http.Client
}

// New builds the webhook client from configuration.
func New(cfg config.Config) *Client {
	return &Client{
		url:    strings.TrimRight(cfg.WebhookBaseURL, "/"),
		secret: cfg.WebhookSecret,
		hc: &http.Client{
			Timeout:   cfg.WebhookTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Publish delivers one classification. Callers treat failures as
// log-and-continue; this method only reports them.
func (c *Client) Publish(ctx domain.Context, tc domain.TicketClassification) error {
	if c.url == "" {
		return fmt.Errorf("op=webhook.Publish: no webhook url configured")
	}
	body, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("op=webhook.Publish: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=webhook.Publish: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-API-Key", c.secret)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=webhook.Publish: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("webhook rejected classification",
			slog.Int("status", resp.StatusCode),
			slog.String("ticket_id", tc.TicketID),
			slog.String("body", string(snippet)))
		return fmt.Errorf("op=webhook.Publish: status %d", resp.StatusCode)
	}
	slog.Info("webhook accepted classification",
		slog.String("ticket_id", tc.TicketID),
		slog.Duration("took", time.Since(start)))
	return nil
}
