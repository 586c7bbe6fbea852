package repository

// Persistence for the delivery side of the pipeline: models, predictions,
// webhook endpoints and their audit log, notification rules, and alerts.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clickguard/kestrel/internal/domain"
)

// SaveModel stores a fraud model with tenant isolation.
func (r *SQLRepository) SaveModel(ctx context.Context, tenantID string, model *domain.FraudModel) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	features, _ := json.Marshal(model.Features)
	weights, _ := json.Marshal(model.Weights)
	metrics, _ := json.Marshal(model.Metrics)

	query := `
		INSERT INTO fraud_models (
			id, tenant_id, name, version, algorithm, features, weights,
			metrics, is_active, trained_on, created_at, deployed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			weights = excluded.weights,
			metrics = excluded.metrics,
			is_active = excluded.is_active,
			deployed_at = excluded.deployed_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		model.ID, tenantID, model.Name, model.Version, model.Algorithm,
		string(features), string(weights), string(metrics),
		boolToInt(model.IsActive), model.TrainedOn,
		model.CreatedAt, model.DeployedAt,
	)
	return err
}

// GetModel retrieves a fraud model by ID with tenant isolation.
func (r *SQLRepository) GetModel(ctx context.Context, tenantID string, modelID string) (*domain.FraudModel, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := modelSelect + ` WHERE tenant_id = ? AND id = ?`
	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, modelID)
	model, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return model, err
}

// ListModels retrieves all models for a tenant, newest first.
func (r *SQLRepository) ListModels(ctx context.Context, tenantID string) ([]*domain.FraudModel, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := modelSelect + ` WHERE tenant_id = ? ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*domain.FraudModel
	for rows.Next() {
		model, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, model)
	}
	return models, rows.Err()
}

// ActivateModel activates one model and deactivates every other model for
// the tenant in a single transaction. Exactly one model ends up active.
func (r *SQLRepository) ActivateModel(ctx context.Context, tenantID string, modelID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		r.rebind(`UPDATE fraud_models SET is_active = 0 WHERE tenant_id = ?`),
		tenantID); err != nil {
		return err
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		r.rebind(`UPDATE fraud_models SET is_active = 1, deployed_at = ? WHERE tenant_id = ? AND id = ?`),
		now, tenantID, modelID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

const modelSelect = `
	SELECT id, tenant_id, name, version, algorithm, features, weights,
		   metrics, is_active, trained_on, created_at, deployed_at
	FROM fraud_models`

func scanModel(row rowScanner) (*domain.FraudModel, error) {
	var model domain.FraudModel
	var features, weights string
	var metrics sql.NullString
	var deployedAt sql.NullTime
	var isActive int

	err := row.Scan(
		&model.ID, &model.TenantID, &model.Name, &model.Version, &model.Algorithm,
		&features, &weights, &metrics,
		&isActive, &model.TrainedOn, &model.CreatedAt, &deployedAt,
	)
	if err != nil {
		return nil, err
	}

	model.IsActive = isActive == 1
	json.Unmarshal([]byte(features), &model.Features)
	json.Unmarshal([]byte(weights), &model.Weights)
	if metrics.Valid {
		json.Unmarshal([]byte(metrics.String), &model.Metrics)
	}
	if deployedAt.Valid {
		t := deployedAt.Time
		model.DeployedAt = &t
	}
	return &model, nil
}

// SavePrediction appends a prediction audit row. Predictions are never
// updated except for the actual-outcome feedback field.
func (r *SQLRepository) SavePrediction(ctx context.Context, tenantID string, pred *domain.FraudPrediction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	features, _ := json.Marshal(pred.Features)
	explanation, _ := json.Marshal(pred.Explanation)

	query := `
		INSERT INTO fraud_predictions (
			id, tenant_id, model_id, click_id, features, score,
			prediction, confidence, risk_level, explanation,
			actual_outcome, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var outcome interface{}
	if pred.ActualOutcome != nil {
		outcome = boolToInt(*pred.ActualOutcome)
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		pred.ID, tenantID, pred.ModelID, pred.ClickID,
		string(features), pred.Score,
		boolToInt(pred.Prediction), pred.Confidence, pred.RiskLevel,
		string(explanation), outcome, pred.CreatedAt,
	)
	return err
}

// GetPrediction retrieves a prediction by ID with tenant isolation.
func (r *SQLRepository) GetPrediction(ctx context.Context, tenantID string, predID string) (*domain.FraudPrediction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, model_id, click_id, features, score,
			   prediction, confidence, risk_level, explanation,
			   actual_outcome, created_at
		FROM fraud_predictions
		WHERE tenant_id = ? AND id = ?
	`

	var pred domain.FraudPrediction
	var features string
	var modelID, clickID, explanation sql.NullString
	var prediction int
	var outcome sql.NullInt64

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, predID).Scan(
		&pred.ID, &pred.TenantID, &modelID, &clickID, &features, &pred.Score,
		&prediction, &pred.Confidence, &pred.RiskLevel, &explanation,
		&outcome, &pred.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	pred.ModelID = modelID.String
	pred.ClickID = clickID.String
	pred.Prediction = prediction == 1
	json.Unmarshal([]byte(features), &pred.Features)
	if explanation.Valid {
		json.Unmarshal([]byte(explanation.String), &pred.Explanation)
	}
	if outcome.Valid {
		v := outcome.Int64 == 1
		pred.ActualOutcome = &v
	}
	return &pred, nil
}

// RecordPredictionOutcome fills in the actual outcome for feedback.
func (r *SQLRepository) RecordPredictionOutcome(ctx context.Context, tenantID string, predID string, outcome bool) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE fraud_predictions
		SET actual_outcome = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), boolToInt(outcome), tenantID, predID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveEndpoint stores or updates a webhook endpoint with tenant isolation.
func (r *SQLRepository) SaveEndpoint(ctx context.Context, tenantID string, ep *domain.WebhookEndpoint) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	eventTypes, _ := json.Marshal(ep.EventTypes)
	retry, _ := json.Marshal(ep.Retry)
	headers, _ := json.Marshal(ep.Headers)

	query := `
		INSERT INTO webhook_endpoints (
			id, tenant_id, name, url, secret, event_types,
			is_active, retry_config, headers, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			secret = excluded.secret,
			event_types = excluded.event_types,
			is_active = excluded.is_active,
			retry_config = excluded.retry_config,
			headers = excluded.headers,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ep.ID, tenantID, ep.Name, ep.URL, ep.Secret,
		string(eventTypes), boolToInt(ep.IsActive),
		string(retry), string(headers),
		ep.CreatedAt, ep.UpdatedAt,
	)
	return err
}

// GetEndpoint retrieves a webhook endpoint by ID with tenant isolation.
func (r *SQLRepository) GetEndpoint(ctx context.Context, tenantID string, endpointID string) (*domain.WebhookEndpoint, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := endpointSelect + ` WHERE tenant_id = ? AND id = ?`
	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, endpointID)
	ep, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ep, err
}

// ListEndpoints retrieves webhook endpoints for a tenant.
func (r *SQLRepository) ListEndpoints(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.WebhookEndpoint, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := endpointSelect + ` WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []*domain.WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// DeleteEndpoint removes an endpoint. Already-queued deliveries for it are
// dropped by the delivery manager when it finds the endpoint gone.
func (r *SQLRepository) DeleteEndpoint(ctx context.Context, tenantID string, endpointID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM webhook_endpoints WHERE tenant_id = ? AND id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, endpointID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const endpointSelect = `
	SELECT id, tenant_id, name, url, secret, event_types,
		   is_active, retry_config, headers, created_at, updated_at
	FROM webhook_endpoints`

func scanEndpoint(row rowScanner) (*domain.WebhookEndpoint, error) {
	var ep domain.WebhookEndpoint
	var eventTypes string
	var secret, retry, headers sql.NullString
	var isActive int

	err := row.Scan(
		&ep.ID, &ep.TenantID, &ep.Name, &ep.URL, &secret, &eventTypes,
		&isActive, &retry, &headers, &ep.CreatedAt, &ep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ep.Secret = secret.String
	ep.IsActive = isActive == 1
	json.Unmarshal([]byte(eventTypes), &ep.EventTypes)
	if retry.Valid {
		json.Unmarshal([]byte(retry.String), &ep.Retry)
	}
	if headers.Valid {
		json.Unmarshal([]byte(headers.String), &ep.Headers)
	}
	return &ep, nil
}

// AppendWebhookEvent appends one delivery-attempt row. Rows are never
// updated or deleted; the trail must stay reconstructable mid-retry.
func (r *SQLRepository) AppendWebhookEvent(ctx context.Context, tenantID string, ev *domain.WebhookEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO webhook_events (
			id, tenant_id, endpoint_id, event_type, payload,
			status, response_status, error_message, attempt,
			delivered_at, failed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, tenantID, ev.EndpointID, ev.EventType, ev.Payload,
		ev.Status, ev.ResponseStatus, ev.ErrorMessage, ev.Attempt,
		ev.DeliveredAt, ev.FailedAt, ev.CreatedAt,
	)
	return err
}

// ListWebhookEvents retrieves the delivery trail for an endpoint in
// attempt order.
func (r *SQLRepository) ListWebhookEvents(ctx context.Context, tenantID string, endpointID string, limit int) ([]*domain.WebhookEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, endpoint_id, event_type, payload,
			   status, response_status, error_message, attempt,
			   delivered_at, failed_at, created_at
		FROM webhook_events
		WHERE tenant_id = ? AND endpoint_id = ?
		ORDER BY created_at ASC, attempt ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.WebhookEvent
	for rows.Next() {
		var ev domain.WebhookEvent
		var responseStatus sql.NullInt64
		var errorMessage sql.NullString
		var deliveredAt, failedAt sql.NullTime

		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.EndpointID, &ev.EventType, &ev.Payload,
			&ev.Status, &responseStatus, &errorMessage, &ev.Attempt,
			&deliveredAt, &failedAt, &ev.CreatedAt,
		); err != nil {
			return nil, err
		}

		ev.ResponseStatus = int(responseStatus.Int64)
		ev.ErrorMessage = errorMessage.String
		if deliveredAt.Valid {
			t := deliveredAt.Time
			ev.DeliveredAt = &t
		}
		if failedAt.Valid {
			t := failedAt.Time
			ev.FailedAt = &t
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// SaveNotificationRule stores or updates a notification rule.
func (r *SQLRepository) SaveNotificationRule(ctx context.Context, tenantID string, rule *domain.NotificationRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	eventTypes, _ := json.Marshal(rule.EventTypes)
	channels, _ := json.Marshal(rule.Channels)
	conditions, _ := json.Marshal(rule.Conditions)

	query := `
		INSERT INTO notification_rules (
			id, tenant_id, name, event_types, channels, conditions,
			cooldown_minutes, last_triggered, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			event_types = excluded.event_types,
			channels = excluded.channels,
			conditions = excluded.conditions,
			cooldown_minutes = excluded.cooldown_minutes,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name,
		string(eventTypes), string(channels), string(conditions),
		rule.CooldownMinutes, rule.LastTriggered,
		boolToInt(rule.IsActive), rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// ListNotificationRules retrieves notification rules for a tenant.
func (r *SQLRepository) ListNotificationRules(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.NotificationRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, event_types, channels, conditions,
			   cooldown_minutes, last_triggered, is_active, created_at, updated_at
		FROM notification_rules
		WHERE tenant_id = ?
	`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.NotificationRule
	for rows.Next() {
		var rule domain.NotificationRule
		var eventTypes, channels string
		var conditions sql.NullString
		var lastTriggered sql.NullTime
		var isActive int

		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Name,
			&eventTypes, &channels, &conditions,
			&rule.CooldownMinutes, &lastTriggered,
			&isActive, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.IsActive = isActive == 1
		json.Unmarshal([]byte(eventTypes), &rule.EventTypes)
		json.Unmarshal([]byte(channels), &rule.Channels)
		if conditions.Valid && conditions.String != "null" {
			json.Unmarshal([]byte(conditions.String), &rule.Conditions)
		}
		if lastTriggered.Valid {
			t := lastTriggered.Time
			rule.LastTriggered = &t
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// TouchNotificationRule updates a rule's lastTriggered timestamp.
func (r *SQLRepository) TouchNotificationRule(ctx context.Context, tenantID string, ruleID string, at time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `UPDATE notification_rules SET last_triggered = ? WHERE tenant_id = ? AND id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), at, tenantID, ruleID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAlert stores a monitoring alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, tenantID string, alert *domain.MonitoringAlert) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	details, _ := json.Marshal(alert.Details)

	query := `
		INSERT INTO monitoring_alerts (
			id, tenant_id, type, source, message, details,
			severity, timestamp, resolved, resolved_by, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, tenantID, alert.Type, alert.Source, alert.Message,
		string(details), alert.Severity, alert.Timestamp,
		boolToInt(alert.Resolved), alert.ResolvedBy, alert.ResolvedAt,
	)
	return err
}

// ListAlerts retrieves monitoring alerts, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, tenantID string, unresolvedOnly bool, limit int) ([]*domain.MonitoringAlert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, type, source, message, details,
			   severity, timestamp, resolved, resolved_by, resolved_at
		FROM monitoring_alerts
		WHERE tenant_id = ?
	`
	if unresolvedOnly {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.MonitoringAlert
	for rows.Next() {
		var alert domain.MonitoringAlert
		var details, resolvedBy sql.NullString
		var resolvedAt sql.NullTime
		var resolved int

		if err := rows.Scan(
			&alert.ID, &alert.TenantID, &alert.Type, &alert.Source,
			&alert.Message, &details, &alert.Severity, &alert.Timestamp,
			&resolved, &resolvedBy, &resolvedAt,
		); err != nil {
			return nil, err
		}

		alert.Resolved = resolved == 1
		alert.ResolvedBy = resolvedBy.String
		if details.Valid {
			json.Unmarshal([]byte(details.String), &alert.Details)
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			alert.ResolvedAt = &t
		}
		alerts = append(alerts, &alert)
	}
	return alerts, rows.Err()
}

// ResolveAlert marks an alert resolved.
func (r *SQLRepository) ResolveAlert(ctx context.Context, tenantID string, alertID, resolvedBy string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE monitoring_alerts
		SET resolved = 1, resolved_by = ?, resolved_at = ?
		WHERE tenant_id = ? AND id = ? AND resolved = 0
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), resolvedBy, time.Now().UTC(), tenantID, alertID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeResolvedAlerts deletes resolved alerts older than the cutoff and
// returns how many were removed. Run by the cleanup worker.
func (r *SQLRepository) PurgeResolvedAlerts(ctx context.Context, tenantID string, olderThan time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM monitoring_alerts WHERE tenant_id = ? AND resolved = 1 AND resolved_at < ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
