package repository

// Schema definitions for the Kestrel store.
// Compatible with both SQLite and PostgreSQL.

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    click_id TEXT NOT NULL,
    partner_id TEXT,
    offer_id TEXT,
    ip TEXT,
    country TEXT,
    user_agent TEXT,
    referer TEXT,
    device_type TEXT,
    browser TEXT,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_tenant ON events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_ip ON events(tenant_id, type, ip);
CREATE INDEX IF NOT EXISTS idx_events_partner ON events(tenant_id, type, partner_id);
`

const schemaFraudRules = `
CREATE TABLE IF NOT EXISTS fraud_rules (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    type TEXT NOT NULL,
    conditions TEXT NOT NULL,
    actions TEXT NOT NULL,
    expression TEXT,
    priority INTEGER NOT NULL DEFAULT 50,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_by TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_by TEXT,
    deleted_at TIMESTAMP,
    deleted_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_fraud_rules_tenant ON fraud_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_rules_active ON fraud_rules(tenant_id, is_active);
CREATE INDEX IF NOT EXISTS idx_fraud_rules_name ON fraud_rules(tenant_id, name);
`

const schemaFraudBlocks = `
CREATE TABLE IF NOT EXISTS fraud_blocks (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    value TEXT NOT NULL,
    reason TEXT,
    severity TEXT NOT NULL DEFAULT 'medium',
    is_active INTEGER NOT NULL DEFAULT 1,
    source_rule_id TEXT,
    expires_at TIMESTAMP,
    created_by TEXT,
    created_at TIMESTAMP NOT NULL,
    unblocked_by TEXT,
    unblocked_at TIMESTAMP,
    unblocked_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_fraud_blocks_tenant ON fraud_blocks(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_blocks_lookup ON fraud_blocks(tenant_id, type, value, is_active);
CREATE INDEX IF NOT EXISTS idx_fraud_blocks_rule ON fraud_blocks(tenant_id, source_rule_id);
`

const schemaFraudModels = `
CREATE TABLE IF NOT EXISTS fraud_models (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    algorithm TEXT NOT NULL,
    features TEXT NOT NULL,
    weights TEXT NOT NULL,
    metrics TEXT,
    is_active INTEGER NOT NULL DEFAULT 0,
    trained_on INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    deployed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_fraud_models_tenant ON fraud_models(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_models_active ON fraud_models(tenant_id, is_active);
`

const schemaFraudPredictions = `
CREATE TABLE IF NOT EXISTS fraud_predictions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    model_id TEXT,
    click_id TEXT,
    features TEXT NOT NULL,
    score REAL NOT NULL,
    prediction INTEGER NOT NULL,
    confidence REAL NOT NULL,
    risk_level TEXT NOT NULL,
    explanation TEXT,
    actual_outcome INTEGER,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_predictions_tenant ON fraud_predictions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_predictions_model ON fraud_predictions(tenant_id, model_id);
CREATE INDEX IF NOT EXISTS idx_fraud_predictions_click ON fraud_predictions(tenant_id, click_id);
`

const schemaWebhookEndpoints = `
CREATE TABLE IF NOT EXISTS webhook_endpoints (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    secret TEXT,
    event_types TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    retry_config TEXT,
    headers TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_tenant ON webhook_endpoints(tenant_id);
CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_active ON webhook_endpoints(tenant_id, is_active);
`

const schemaWebhookEvents = `
CREATE TABLE IF NOT EXISTS webhook_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    endpoint_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    status TEXT NOT NULL,
    response_status INTEGER,
    error_message TEXT,
    attempt INTEGER NOT NULL DEFAULT 1,
    delivered_at TIMESTAMP,
    failed_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_webhook_events_tenant ON webhook_events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_webhook_events_endpoint ON webhook_events(tenant_id, endpoint_id, created_at);
`

const schemaNotificationRules = `
CREATE TABLE IF NOT EXISTS notification_rules (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    event_types TEXT NOT NULL,
    channels TEXT NOT NULL,
    conditions TEXT,
    cooldown_minutes INTEGER NOT NULL DEFAULT 0,
    last_triggered TIMESTAMP,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notification_rules_tenant ON notification_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_notification_rules_active ON notification_rules(tenant_id, is_active);
`

const schemaMonitoringAlerts = `
CREATE TABLE IF NOT EXISTS monitoring_alerts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    message TEXT NOT NULL,
    details TEXT,
    severity TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0,
    resolved_by TEXT,
    resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_monitoring_alerts_tenant ON monitoring_alerts(tenant_id);
CREATE INDEX IF NOT EXISTS idx_monitoring_alerts_resolved ON monitoring_alerts(tenant_id, resolved, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaFraudRules,
		schemaFraudBlocks,
		schemaFraudModels,
		schemaFraudPredictions,
		schemaWebhookEndpoints,
		schemaWebhookEvents,
		schemaNotificationRules,
		schemaMonitoringAlerts,
	}
}
