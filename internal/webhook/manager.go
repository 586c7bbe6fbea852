// Package webhook delivers signed event payloads to registered endpoints
// with linear-backoff retries and an append-only audit trail. Deliveries
// and their retries ride the event bus as queued jobs so a restart does
// not lose the backlog; the in-memory queue only serves bus-less setups.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clickguard/kestrel/internal/domain"
)

const (
	defaultMaxRetries = 3
	defaultBackoffMs  = 1000
	deliveryTimeout   = 10 * time.Second
)

// Delivery is one queued webhook delivery. Attempt starts at 1 and is
// incremented on each retry re-enqueue. The struct is the bus job
// payload, so the fields carry JSON tags.
type Delivery struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	EndpointID string    `json:"endpointId"`
	EventType  string    `json:"eventType"`
	Payload    []byte    `json:"payload"`
	Attempt    int       `json:"attempt"`
	Status     string    `json:"status"`
	NotBefore  time.Time `json:"notBefore,omitempty"`
}

// Manager runs the webhook delivery state machine:
// Queued -> Sending -> Delivered | Failed -> Retrying | Abandoned.
// With a bus, deliveries are published to TopicWebhookDeliver and
// retries are re-published with PublishDelayed; without one they fall
// back to the local pending queue drained by Start's ticker.
type Manager struct {
	repo   domain.Repository
	bus    domain.EventBus
	logger *slog.Logger
	client *http.Client

	mu      sync.Mutex
	pending []*Delivery

	tick time.Duration
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// NewManager creates a delivery manager with a bounded outbound client.
// A nil bus selects the in-process fallback queue.
func NewManager(repo domain.Repository, bus domain.EventBus, logger *slog.Logger, tick time.Duration) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	return &Manager{
		repo:   repo,
		bus:    bus,
		logger: logger,
		client: &http.Client{Timeout: deliveryTimeout},
		tick:   tick,
		stop:   make(chan struct{}),
	}
}

// Dispatch queues one delivery per active endpoint subscribed to the event
// type. The payload is built once and shared across endpoints except for
// the per-endpoint id field.
func (m *Manager) Dispatch(ctx context.Context, tenantID string, event *domain.DomainEvent) error {
	endpoints, err := m.repo.ListEndpoints(ctx, tenantID, true)
	if err != nil {
		return fmt.Errorf("failed to list endpoints: %w", err)
	}

	now := time.Now().UTC()
	for _, ep := range endpoints {
		if !ep.Subscribed(event.Type) {
			continue
		}
		payload, err := json.Marshal(map[string]interface{}{
			"event":       event.Type,
			"data":        event.Data,
			"timestamp":   now.Format(time.RFC3339),
			"endpoint_id": ep.ID,
		})
		if err != nil {
			return fmt.Errorf("failed to encode webhook payload: %w", err)
		}
		d := &Delivery{
			ID:         uuid.New().String(),
			TenantID:   tenantID,
			EndpointID: ep.ID,
			EventType:  event.Type,
			Payload:    payload,
			Attempt:    1,
			Status:     domain.DeliveryQueued,
			NotBefore:  now,
		}
		if err := m.queue(ctx, d, 0); err != nil {
			return err
		}
	}
	return nil
}

// queue hands a delivery to the bus, or to the local pending slice when
// no bus is configured. delayMs > 0 schedules the attempt for later.
func (m *Manager) queue(ctx context.Context, d *Delivery, delayMs int64) error {
	if m.bus == nil {
		m.enqueue(d)
		return nil
	}
	job, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode delivery job: %w", err)
	}
	if delayMs > 0 {
		return m.bus.PublishDelayed(ctx, d.TenantID, domain.TopicWebhookDeliver, job, delayMs)
	}
	return m.bus.Publish(ctx, d.TenantID, domain.TopicWebhookDeliver, job)
}

func (m *Manager) enqueue(d *Delivery) {
	m.mu.Lock()
	m.pending = append(m.pending, d)
	m.mu.Unlock()
}

// PendingCount reports queued deliveries, including ones waiting on backoff.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Start launches the single periodic drain loop. Only useful without a
// bus; with one, the pending queue stays empty and the ticker idles.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Drain(ctx)
			}
		}
	}()
}

// Stop terminates the drain loop and waits for in-flight deliveries.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Drain dispatches every due delivery. Deliveries within one tick are
// fire-and-forget with respect to each other; the next tick does not wait.
func (m *Manager) Drain(ctx context.Context) {
	now := time.Now().UTC()

	m.mu.Lock()
	due := make([]*Delivery, 0, len(m.pending))
	remaining := m.pending[:0]
	for _, d := range m.pending {
		if d.NotBefore.After(now) {
			remaining = append(remaining, d)
		} else {
			due = append(due, d)
		}
	}
	m.pending = remaining
	m.mu.Unlock()

	for _, d := range due {
		d := d
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.Deliver(ctx, d)
		}()
	}
}

// Deliver executes one delivery attempt and advances the state machine.
// A timeout is treated identically to a non-2xx response.
func (m *Manager) Deliver(ctx context.Context, d *Delivery) {
	ep, err := m.repo.GetEndpoint(ctx, d.TenantID, d.EndpointID)
	if err != nil || ep == nil {
		// Endpoint deleted after queueing; nothing left to deliver to.
		m.logger.Warn("dropping delivery for missing endpoint",
			"tenant_id", d.TenantID, "endpoint_id", d.EndpointID)
		return
	}

	d.Status = domain.DeliverySending
	status, sendErr := m.send(ctx, ep, d)

	now := time.Now().UTC()
	record := &domain.WebhookEvent{
		ID:             uuid.New().String(),
		TenantID:       d.TenantID,
		EndpointID:     ep.ID,
		EventType:      d.EventType,
		Payload:        d.Payload,
		ResponseStatus: status,
		Attempt:        d.Attempt,
		CreatedAt:      now,
	}

	if sendErr == nil {
		d.Status = domain.DeliveryDelivered
		record.Status = "success"
		record.DeliveredAt = &now
	} else {
		d.Status = domain.DeliveryFailed
		record.Status = "failed"
		record.ErrorMessage = sendErr.Error()
		record.FailedAt = &now
	}

	if err := m.repo.AppendWebhookEvent(ctx, d.TenantID, record); err != nil {
		m.logger.Error("failed to append webhook event",
			"endpoint_id", ep.ID, "error", err)
	}

	if sendErr == nil {
		return
	}

	maxRetries := ep.Retry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoffMs := ep.Retry.BackoffMs
	if backoffMs <= 0 {
		backoffMs = defaultBackoffMs
	}

	if d.Attempt < maxRetries {
		backoff := time.Duration(backoffMs*d.Attempt) * time.Millisecond
		retry := *d
		retry.Attempt = d.Attempt + 1
		retry.Status = domain.DeliveryRetrying
		retry.NotBefore = now.Add(backoff)
		if err := m.queue(ctx, &retry, backoff.Milliseconds()); err != nil {
			m.logger.Error("failed to requeue webhook delivery",
				"endpoint_id", ep.ID, "error", err)
			m.raiseAbandonedAlert(ctx, d, ep, sendErr)
			return
		}
		m.logger.Warn("webhook delivery failed, retrying",
			"endpoint_id", ep.ID,
			"attempt", d.Attempt,
			"backoff_ms", backoff.Milliseconds(),
			"error", sendErr)
		return
	}

	d.Status = domain.DeliveryAbandoned
	m.logger.Error("webhook delivery abandoned",
		"endpoint_id", ep.ID,
		"attempts", d.Attempt,
		"error", sendErr)
	m.raiseAbandonedAlert(ctx, d, ep, sendErr)
}

// send performs the HTTP POST with signing and custom endpoint headers.
func (m *Manager) send(ctx context.Context, ep *domain.WebhookEndpoint, d *Delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(domain.HeaderEventType, d.EventType)
	req.Header.Set(domain.HeaderDeliveryAttempt, strconv.Itoa(d.Attempt))
	req.Header.Set(domain.HeaderTimestamp, time.Now().UTC().Format(time.RFC3339))
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	if ep.Secret != "" {
		req.Header.Set(domain.HeaderSignature, Sign(ep.Secret, d.Payload))
		req.Header.Set(domain.HeaderSignatureAlgorithm, "HMAC-SHA256")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrDelivery, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%w: endpoint returned %d", domain.ErrDelivery, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (m *Manager) raiseAbandonedAlert(ctx context.Context, d *Delivery, ep *domain.WebhookEndpoint, sendErr error) {
	alert := &domain.MonitoringAlert{
		ID:       uuid.New().String(),
		TenantID: d.TenantID,
		Type:     "error",
		Source:   "webhook",
		Message:  fmt.Sprintf("delivery to endpoint %q abandoned after %d attempts", ep.Name, d.Attempt),
		Details: map[string]interface{}{
			"endpointId": ep.ID,
			"eventType":  d.EventType,
			"error":      sendErr.Error(),
		},
		Severity:  "high",
		Timestamp: time.Now().UTC(),
	}
	if err := m.repo.SaveAlert(ctx, d.TenantID, alert); err != nil {
		m.logger.Error("failed to save abandoned-delivery alert", "error", err)
	}
}

// Sign computes the hex HMAC-SHA256 signature of a payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the payload in
// constant time. Exposed for subscriber-side verification.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}
