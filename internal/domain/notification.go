package domain

import "time"

// Domain event types emitted by the pipeline.
const (
	EventFraudDetected     = "fraud_detected"
	EventConversionCreated = "conversion_created"
	EventUserBlocked       = "user_blocked"
	EventThresholdExceeded = "threshold_exceeded"
	EventSystemAlert       = "system_alert"
)

// DomainEvent is an emitted pipeline event routed to notification rules
// and webhook endpoints.
type DomainEvent struct {
	Type      string                 `json:"type"`
	TenantID  string                 `json:"tenantId"`
	Severity  string                 `json:"severity"` // low, medium, high, critical
	Value     float64                `json:"value,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChannelType names a notification delivery channel.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelChat    ChannelType = "chat"
	ChannelWebhook ChannelType = "webhook"
)

// NotificationChannel is one channel entry in a notification rule.
type NotificationChannel struct {
	Type    ChannelType       `json:"type"`
	Enabled bool              `json:"enabled"`
	Config  map[string]string `json:"config,omitempty"` // channel-specific: to, url, room
}

// NotificationConditions optionally narrows which events fire a rule.
type NotificationConditions struct {
	// Severities restricts matching to these severities when non-empty.
	Severities []string `json:"severities,omitempty"`

	// Threshold, when set, requires event.Value >= Threshold.
	Threshold *float64 `json:"threshold,omitempty"`
}

// NotificationRule maps event types to an ordered channel list, with an
// optional condition filter and a cooldown window. A rule fires at most once
// per cooldown window regardless of matching-event volume.
type NotificationRule struct {
	ID         string                  `json:"id"`
	TenantID   string                  `json:"tenantId"`
	Name       string                  `json:"name"`
	EventTypes []string                `json:"eventTypes"`
	Channels   []NotificationChannel   `json:"channels"`
	Conditions *NotificationConditions `json:"conditions,omitempty"`

	CooldownMinutes int        `json:"cooldownMinutes"`
	LastTriggered   *time.Time `json:"lastTriggered,omitempty"`

	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MonitoringAlert is created by health checks and pipeline failures and
// resolved only by explicit operator action or time-based cleanup.
type MonitoringAlert struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenantId"`
	Type      string                 `json:"type"` // error, warning, info
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Severity  string                 `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`

	Resolved   bool       `json:"resolved"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}
