package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/clickguard/kestrel/internal/domain"
)

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func postJSON(ctx context.Context, client *http.Client, url string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode notification payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDelivery, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: gateway returned %d", domain.ErrDelivery, resp.StatusCode)
	}
	return nil
}

// EmailSender posts to an email gateway relay configured per channel.
type EmailSender struct {
	client *http.Client
}

func (s *EmailSender) Send(ctx context.Context, config map[string]string, ruleName string, event *domain.DomainEvent) error {
	gateway := config["gateway"]
	to := config["to"]
	if gateway == "" || to == "" {
		return fmt.Errorf("%w: email channel requires gateway and to", domain.ErrValidation)
	}
	return postJSON(ctx, s.client, gateway, map[string]interface{}{
		"to":      to,
		"subject": fmt.Sprintf("[%s] %s: %s", event.Severity, ruleName, event.Type),
		"body":    event.Data,
	})
}

// ChatSender posts a chat-room message to a configured incoming-webhook URL.
type ChatSender struct {
	client *http.Client
}

func (s *ChatSender) Send(ctx context.Context, config map[string]string, ruleName string, event *domain.DomainEvent) error {
	url := config["url"]
	if url == "" {
		return fmt.Errorf("%w: chat channel requires url", domain.ErrValidation)
	}
	return postJSON(ctx, s.client, url, map[string]interface{}{
		"text": fmt.Sprintf("%s fired for %s (severity %s)", ruleName, event.Type, event.Severity),
		"data": event.Data,
	})
}

// GenericWebhookSender posts the raw event to a configured URL. This is the
// low-ceremony channel for integrations that do not need signing or retry;
// those go through the webhook delivery manager instead.
type GenericWebhookSender struct {
	client *http.Client
}

func (s *GenericWebhookSender) Send(ctx context.Context, config map[string]string, ruleName string, event *domain.DomainEvent) error {
	url := config["url"]
	if url == "" {
		return fmt.Errorf("%w: webhook channel requires url", domain.ErrValidation)
	}
	return postJSON(ctx, s.client, url, map[string]interface{}{
		"rule":      ruleName,
		"event":     event.Type,
		"severity":  event.Severity,
		"value":     event.Value,
		"data":      event.Data,
		"timestamp": event.Timestamp.UTC().Format(time.RFC3339),
	})
}
