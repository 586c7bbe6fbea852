// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Traffic event operations
	SaveEvent(ctx context.Context, tenantID string, event *TrafficEvent) error
	GetEvent(ctx context.Context, tenantID string, eventID string) (*TrafficEvent, error)
	ListRecentEvents(ctx context.Context, tenantID string, since time.Time, limit int) ([]*TrafficEvent, error)
	CountEventsBySource(ctx context.Context, tenantID string, eventType, field, value string, since time.Time) (int64, error)

	// Fraud rule operations
	SaveRule(ctx context.Context, tenantID string, rule *FraudRule) error
	GetRule(ctx context.Context, tenantID string, ruleID string) (*FraudRule, error)
	ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]*FraudRule, error)
	SoftDeleteRule(ctx context.Context, tenantID string, ruleID, deletedBy, reason string) error

	// Block operations
	SaveBlock(ctx context.Context, tenantID string, block *FraudBlock) error
	GetActiveBlock(ctx context.Context, tenantID string, blockType BlockType, value string) (*FraudBlock, error)
	ListBlocksByRule(ctx context.Context, tenantID string, ruleID string) ([]*FraudBlock, error)
	Unblock(ctx context.Context, tenantID string, blockType BlockType, value, unblockedBy, reason string) (bool, error)

	// Model operations
	SaveModel(ctx context.Context, tenantID string, model *FraudModel) error
	GetModel(ctx context.Context, tenantID string, modelID string) (*FraudModel, error)
	ListModels(ctx context.Context, tenantID string) ([]*FraudModel, error)
	ActivateModel(ctx context.Context, tenantID string, modelID string) error

	// Prediction audit trail (append-only)
	SavePrediction(ctx context.Context, tenantID string, pred *FraudPrediction) error
	GetPrediction(ctx context.Context, tenantID string, predID string) (*FraudPrediction, error)
	RecordPredictionOutcome(ctx context.Context, tenantID string, predID string, outcome bool) error

	// Webhook endpoint management
	SaveEndpoint(ctx context.Context, tenantID string, ep *WebhookEndpoint) error
	GetEndpoint(ctx context.Context, tenantID string, endpointID string) (*WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, tenantID string, activeOnly bool) ([]*WebhookEndpoint, error)
	DeleteEndpoint(ctx context.Context, tenantID string, endpointID string) error

	// Webhook delivery log (append-only)
	AppendWebhookEvent(ctx context.Context, tenantID string, ev *WebhookEvent) error
	ListWebhookEvents(ctx context.Context, tenantID string, endpointID string, limit int) ([]*WebhookEvent, error)

	// Notification rules
	SaveNotificationRule(ctx context.Context, tenantID string, rule *NotificationRule) error
	ListNotificationRules(ctx context.Context, tenantID string, activeOnly bool) ([]*NotificationRule, error)
	TouchNotificationRule(ctx context.Context, tenantID string, ruleID string, at time.Time) error

	// Monitoring alerts
	SaveAlert(ctx context.Context, tenantID string, alert *MonitoringAlert) error
	ListAlerts(ctx context.Context, tenantID string, unresolvedOnly bool, limit int) ([]*MonitoringAlert, error)
	ResolveAlert(ctx context.Context, tenantID string, alertID, resolvedBy string) error
	PurgeResolvedAlerts(ctx context.Context, tenantID string, olderThan time.Time) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
