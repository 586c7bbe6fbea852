package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/clickguard/kestrel/internal/bulk"
	"github.com/clickguard/kestrel/internal/domain"
)

// ListModels returns all scoring models for the tenant.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	models, err := h.repo.ListModels(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list models", "error", err)
		writeError(w, statusFor(err), "failed to list models")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": models,
		"count":  len(models),
	})
}

// GetModel retrieves a model by ID.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	modelID := chi.URLParam(r, "id")

	model, err := h.repo.GetModel(ctx, tenantID, modelID)
	if err != nil {
		writeError(w, statusFor(err), "model not found")
		return
	}

	writeJSON(w, http.StatusOK, model)
}

// TrainRequest is the request body for POST /models/train.
type TrainRequest struct {
	Name    string                  `json:"name"`
	Samples []domain.TrainingSample `json:"samples"`
}

// TrainModel fits a new model on the supplied labeled samples. The new
// model is persisted inactive; activation is a separate call.
func (h *Handler) TrainModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	model, err := h.scorer.Train(ctx, tenantID, req.Name, req.Samples)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	slog.Info("model trained",
		"model_id", model.ID,
		"tenant_id", tenantID,
		"samples", len(req.Samples),
		"accuracy", model.Metrics.Accuracy,
	)
	writeJSON(w, http.StatusCreated, model)
}

// ActivateModel promotes a model to active with write-then-swap.
func (h *Handler) ActivateModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	modelID := chi.URLParam(r, "id")

	model, err := h.scorer.Activate(ctx, tenantID, modelID)
	if err != nil {
		writeError(w, statusFor(err), "failed to activate model")
		return
	}

	slog.Info("model activated", "model_id", modelID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, model)
}

// UpdateThresholds applies bounded deltas to the fallback weights.
func (h *Handler) UpdateThresholds(w http.ResponseWriter, r *http.Request) {
	var deltas map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&deltas); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	weights := h.scorer.UpdateThresholds(deltas)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"weights": weights,
	})
}

// GetPrediction retrieves a prediction audit record by ID.
func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	predID := chi.URLParam(r, "id")

	pred, err := h.repo.GetPrediction(ctx, tenantID, predID)
	if err != nil {
		writeError(w, statusFor(err), "prediction not found")
		return
	}

	writeJSON(w, http.StatusOK, pred)
}

// FeedbackRequest is the request body for prediction feedback.
type FeedbackRequest struct {
	ActualOutcome bool `json:"actualOutcome"`
}

// PredictionFeedback records the actual outcome of a scored event.
func (h *Handler) PredictionFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	predID := chi.URLParam(r, "id")

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := h.scorer.RecordFeedback(ctx, tenantID, predID, req.ActualOutcome); err != nil {
		writeError(w, statusFor(err), "failed to record feedback")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// ListEndpoints returns the tenant's webhook endpoints.
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	activeOnly := r.URL.Query().Get("active") == "true"

	endpoints, err := h.repo.ListEndpoints(ctx, tenantID, activeOnly)
	if err != nil {
		slog.Error("failed to list endpoints", "error", err)
		writeError(w, statusFor(err), "failed to list endpoints")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": endpoints,
		"count":     len(endpoints),
	})
}

// CreateEndpoint registers a webhook endpoint.
func (h *Handler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var ep domain.WebhookEndpoint
	if err := json.NewDecoder(r.Body).Decode(&ep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if ep.Name == "" || ep.URL == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}
	if len(ep.EventTypes) == 0 {
		writeError(w, http.StatusBadRequest, "at least one event type is required")
		return
	}

	now := time.Now().UTC()
	ep.ID = uuid.New().String()
	ep.TenantID = tenantID
	ep.CreatedAt = now
	ep.UpdatedAt = now
	if ep.Retry.MaxRetries <= 0 {
		ep.Retry.MaxRetries = 3
	}
	if ep.Retry.BackoffMs <= 0 {
		ep.Retry.BackoffMs = 1000
	}

	if err := h.repo.SaveEndpoint(ctx, tenantID, &ep); err != nil {
		slog.Error("failed to save endpoint", "name", ep.Name, "error", err)
		writeError(w, statusFor(err), "failed to save endpoint")
		return
	}

	slog.Info("endpoint created", "id", ep.ID, "url", ep.URL, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, &ep)
}

// GetEndpoint retrieves a webhook endpoint by ID.
func (h *Handler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	endpointID := chi.URLParam(r, "id")

	ep, err := h.repo.GetEndpoint(ctx, tenantID, endpointID)
	if err != nil {
		writeError(w, statusFor(err), "endpoint not found")
		return
	}

	writeJSON(w, http.StatusOK, ep)
}

// UpdateEndpoint updates a webhook endpoint in place.
func (h *Handler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	endpointID := chi.URLParam(r, "id")

	existing, err := h.repo.GetEndpoint(ctx, tenantID, endpointID)
	if err != nil {
		writeError(w, statusFor(err), "endpoint not found")
		return
	}

	var ep domain.WebhookEndpoint
	if err := json.NewDecoder(r.Body).Decode(&ep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	ep.ID = existing.ID
	ep.TenantID = tenantID
	ep.CreatedAt = existing.CreatedAt
	ep.UpdatedAt = time.Now().UTC()

	if err := h.repo.SaveEndpoint(ctx, tenantID, &ep); err != nil {
		slog.Error("failed to update endpoint", "id", endpointID, "error", err)
		writeError(w, statusFor(err), "failed to update endpoint")
		return
	}

	writeJSON(w, http.StatusOK, &ep)
}

// DeleteEndpoint removes a webhook endpoint.
func (h *Handler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	endpointID := chi.URLParam(r, "id")

	if err := h.repo.DeleteEndpoint(ctx, tenantID, endpointID); err != nil {
		writeError(w, statusFor(err), "endpoint not found")
		return
	}

	slog.Info("endpoint deleted", "id", endpointID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ListEndpointEvents returns the delivery audit trail for an endpoint.
func (h *Handler) ListEndpointEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	endpointID := chi.URLParam(r, "id")

	limit := queryInt(r, "limit", 100)

	events, err := h.repo.ListWebhookEvents(ctx, tenantID, endpointID, limit)
	if err != nil {
		writeError(w, statusFor(err), "failed to list webhook events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// ListNotificationRules returns the tenant's notification rules.
func (h *Handler) ListNotificationRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	activeOnly := r.URL.Query().Get("active") == "true"

	list, err := h.repo.ListNotificationRules(ctx, tenantID, activeOnly)
	if err != nil {
		slog.Error("failed to list notification rules", "error", err)
		writeError(w, statusFor(err), "failed to list notification rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

// CreateNotificationRule registers a notification rule.
func (h *Handler) CreateNotificationRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rule domain.NotificationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if rule.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(rule.EventTypes) == 0 {
		writeError(w, http.StatusBadRequest, "at least one event type is required")
		return
	}
	if len(rule.Channels) == 0 {
		writeError(w, http.StatusBadRequest, "at least one channel is required")
		return
	}

	now := time.Now().UTC()
	rule.ID = uuid.New().String()
	rule.TenantID = tenantID
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := h.repo.SaveNotificationRule(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to save notification rule", "name", rule.Name, "error", err)
		writeError(w, statusFor(err), "failed to save notification rule")
		return
	}

	slog.Info("notification rule created", "id", rule.ID, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, &rule)
}

// UpdateNotificationRule updates a notification rule in place.
func (h *Handler) UpdateNotificationRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	var rule domain.NotificationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	rule.ID = ruleID
	rule.TenantID = tenantID
	rule.UpdatedAt = time.Now().UTC()

	if err := h.repo.SaveNotificationRule(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to update notification rule", "id", ruleID, "error", err)
		writeError(w, statusFor(err), "failed to update notification rule")
		return
	}

	writeJSON(w, http.StatusOK, &rule)
}

// ListAlerts returns monitoring alerts, newest first.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	limit := queryInt(r, "limit", 100)

	alerts, err := h.repo.ListAlerts(ctx, tenantID, unresolvedOnly, limit)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeError(w, statusFor(err), "failed to list alerts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ResolveAlert marks an alert as handled.
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	alertID := chi.URLParam(r, "id")

	resolvedBy := r.URL.Query().Get("resolvedBy")
	if resolvedBy == "" {
		resolvedBy = "api"
	}

	if err := h.repo.ResolveAlert(ctx, tenantID, alertID, resolvedBy); err != nil {
		writeError(w, statusFor(err), "alert not found or already resolved")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// BulkTargetsRequest is the request body for value-list bulk operations.
type BulkTargetsRequest struct {
	Targets  []string   `json:"targets"`
	Severity string     `json:"severity,omitempty"`
	Audit    bulk.Audit `json:"audit"`
}

// BulkBlockIPs blocks a list of IPs.
func (h *Handler) BulkBlockIPs(w http.ResponseWriter, r *http.Request) {
	h.bulkBlock(w, r, domain.BlockTypeIP)
}

// BulkBlockUsers blocks a list of partner IDs.
func (h *Handler) BulkBlockUsers(w http.ResponseWriter, r *http.Request) {
	h.bulkBlock(w, r, domain.BlockTypeUser)
}

func (h *Handler) bulkBlock(w http.ResponseWriter, r *http.Request, blockType domain.BlockType) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BulkTargetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	var report *bulk.Report
	var err error
	if blockType == domain.BlockTypeIP {
		report, err = h.coordinator.BlockIPs(ctx, tenantID, req.Targets, req.Severity, req.Audit)
	} else {
		report, err = h.coordinator.BlockUsers(ctx, tenantID, req.Targets, req.Severity, req.Audit)
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// BulkUnblockIPs lifts blocks for a list of IPs.
func (h *Handler) BulkUnblockIPs(w http.ResponseWriter, r *http.Request) {
	h.bulkUnblock(w, r, domain.BlockTypeIP)
}

// BulkUnblockUsers lifts blocks for a list of partner IDs.
func (h *Handler) BulkUnblockUsers(w http.ResponseWriter, r *http.Request) {
	h.bulkUnblock(w, r, domain.BlockTypeUser)
}

func (h *Handler) bulkUnblock(w http.ResponseWriter, r *http.Request, blockType domain.BlockType) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BulkTargetsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	var report *bulk.Report
	var err error
	if blockType == domain.BlockTypeIP {
		report, err = h.coordinator.UnblockIPs(ctx, tenantID, req.Targets, req.Audit)
	} else {
		report, err = h.coordinator.UnblockUsers(ctx, tenantID, req.Targets, req.Audit)
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// BulkCreateRulesRequest is the request body for POST /bulk/create-rules.
type BulkCreateRulesRequest struct {
	Rules          []*domain.FraudRule `json:"rules"`
	SkipDuplicates bool                `json:"skipDuplicates"`
	Audit          bulk.Audit          `json:"audit"`
}

// BulkCreateRules creates many rules in one call.
func (h *Handler) BulkCreateRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BulkCreateRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	report, err := h.coordinator.CreateRules(ctx, tenantID, req.Rules, req.SkipDuplicates, req.Audit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	h.reloadEngine(ctx, tenantID)
	writeJSON(w, http.StatusOK, report)
}

// BulkDeleteRulesRequest is the request body for POST /bulk/delete-rules.
type BulkDeleteRulesRequest struct {
	RuleIDs []string   `json:"ruleIds"`
	Audit   bulk.Audit `json:"audit"`
}

// BulkDeleteRules soft-deletes many rules, all-or-nothing behind the
// active-block dependency guard.
func (h *Handler) BulkDeleteRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BulkDeleteRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	report, err := h.coordinator.DeleteRules(ctx, tenantID, req.RuleIDs, req.Audit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	h.reloadEngine(ctx, tenantID)
	writeJSON(w, http.StatusOK, report)
}

// BulkUpdateRulesRequest is the request body for POST /bulk/update-rules.
type BulkUpdateRulesRequest struct {
	Updates []bulk.RuleUpdate `json:"updates"`
	Audit   bulk.Audit        `json:"audit"`
}

// BulkUpdateRules applies partial updates to many rules.
func (h *Handler) BulkUpdateRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BulkUpdateRulesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	report, err := h.coordinator.UpdateRules(ctx, tenantID, req.Updates, req.Audit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	h.reloadEngine(ctx, tenantID)
	writeJSON(w, http.StatusOK, report)
}

// BulkProcessAlertsRequest is the request body for POST /bulk/process-alerts.
type BulkProcessAlertsRequest struct {
	AlertIDs []string   `json:"alertIds"`
	Audit    bulk.Audit `json:"audit"`
}

// BulkProcessAlerts resolves many monitoring alerts.
func (h *Handler) BulkProcessAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BulkProcessAlertsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	report, err := h.coordinator.ProcessAlerts(ctx, tenantID, req.AlertIDs, req.Audit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}
