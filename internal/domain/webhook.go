package domain

import "time"

// RetryConfig is the per-endpoint retry policy for webhook delivery.
// Backoff is linear: backoffMs * attempt.
type RetryConfig struct {
	MaxRetries int `json:"maxRetries"`
	BackoffMs  int `json:"backoffMs"`
}

// WebhookEndpoint is a registered third-party URL subscribed to event types.
type WebhookEndpoint struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	URL      string `json:"url"`

	// Secret, when set, enables HMAC-SHA256 payload signing. Endpoints
	// without a secret receive unsigned payloads.
	Secret string `json:"secret,omitempty"`

	EventTypes []string          `json:"eventTypes"`
	IsActive   bool              `json:"isActive"`
	Retry      RetryConfig       `json:"retry"`
	Headers    map[string]string `json:"headers,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Subscribed reports whether the endpoint wants the given event type.
func (e *WebhookEndpoint) Subscribed(eventType string) bool {
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Delivery status values for the webhook state machine.
const (
	DeliveryQueued    = "queued"
	DeliverySending   = "sending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryRetrying  = "retrying"
	DeliveryAbandoned = "abandoned"
)

// WebhookEvent is one row of the append-only delivery audit trail: one row
// per delivery attempt, never overwritten.
type WebhookEvent struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	EndpointID string `json:"endpointId"`
	EventType  string `json:"eventType"`
	Payload    []byte `json:"payload"`

	Status         string `json:"status"` // "success" or "failed"
	ResponseStatus int    `json:"responseStatus,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	Attempt        int    `json:"attempt"`

	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Outbound header names for webhook deliveries.
const (
	HeaderEventType          = "X-Event-Type"
	HeaderDeliveryAttempt    = "X-Delivery-Attempt"
	HeaderTimestamp          = "X-Timestamp"
	HeaderSignature          = "X-Signature"
	HeaderSignatureAlgorithm = "X-Signature-Algorithm"
)
