package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/clickguard/kestrel/internal/actions"
	"github.com/clickguard/kestrel/internal/bulk"
	"github.com/clickguard/kestrel/internal/domain"
	"github.com/clickguard/kestrel/internal/rules"
	"github.com/clickguard/kestrel/internal/scoring"
	"github.com/clickguard/kestrel/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	engine      *rules.Engine
	pipeline    *worker.Pipeline
	scorer      *scoring.Scorer
	executor    *actions.Executor
	coordinator *bulk.Coordinator
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:        deps.Repo,
		cache:       deps.Cache,
		bus:         deps.Bus,
		engine:      deps.Engine,
		pipeline:    deps.Pipeline,
		scorer:      deps.Scorer,
		executor:    deps.Executor,
		coordinator: deps.Coordinator,
		version:     deps.Version,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrDependency):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// IngestEvent handles POST /events. Default mode runs the pipeline
// synchronously and returns the check result; mode=queued enqueues the
// event on the fraud-check queue and returns 202.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.Type != "click" && req.Type != "conversion" {
		writeError(w, http.StatusBadRequest, "type must be 'click' or 'conversion'")
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}

	event := req.ToEvent()
	event.ID = uuid.New().String()
	event.TenantID = tenantID

	if r.URL.Query().Get("mode") == "queued" {
		if h.bus == nil {
			writeError(w, http.StatusServiceUnavailable, "event bus not available")
			return
		}

		payload, err := json.Marshal(event)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to encode event")
			return
		}
		if err := h.bus.Publish(ctx, tenantID, domain.TopicFraudCheck, payload); err != nil {
			slog.Error("failed to enqueue fraud check", "event_id", event.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to enqueue event")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"eventId": event.ID,
			"status":  "queued",
		})
		return
	}

	result, err := h.pipeline.Evaluate(ctx, tenantID, event)
	if err != nil {
		slog.Error("event evaluation failed", "event_id", event.ID, "error", err)
		writeError(w, statusFor(err), "event evaluation failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetEvent retrieves a traffic event by ID.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	eventID := chi.URLParam(r, "id")

	event, err := h.repo.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		writeError(w, statusFor(err), "event not found")
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// ListEvents returns recent traffic events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	limit := queryInt(r, "limit", 100)
	hours := queryInt(r, "hours", 24)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	events, err := h.repo.ListRecentEvents(ctx, tenantID, since, limit)
	if err != nil {
		slog.Error("failed to list events", "error", err)
		writeError(w, statusFor(err), "failed to list events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// ListRules returns the tenant's rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	activeOnly := r.URL.Query().Get("active") == "true"

	list, err := h.repo.ListRules(ctx, tenantID, activeOnly)
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeError(w, statusFor(err), "failed to list rules")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

// GetRule retrieves a rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		writeError(w, statusFor(err), "rule not found")
		return
	}

	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates, conflict-checks, persists and hot-loads a rule.
// A condition-overlap conflict refuses creation with 409 and the full
// conflict list.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var rule domain.FraudRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report := h.engine.CheckConflicts(tenantID, &rule, "")
	if report.HasConflicts {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     "rule conflicts with existing rules",
			"conflicts": report.Conflicts,
		})
		return
	}

	now := time.Now().UTC()
	rule.ID = uuid.New().String()
	rule.TenantID = tenantID
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := h.repo.SaveRule(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to save rule", "name", rule.Name, "error", err)
		writeError(w, statusFor(err), "failed to save rule")
		return
	}

	if rule.IsActive {
		if err := h.engine.LoadRule(&rule); err != nil {
			slog.Error("failed to load rule into engine", "id", rule.ID, "error", err)
		}
	}

	slog.Info("rule created", "id", rule.ID, "name", rule.Name, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":      &rule,
		"conflicts": report.Conflicts,
	})
}

// UpdateRule updates an existing rule after a conflict check that
// excludes the rule itself.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	existing, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		writeError(w, statusFor(err), "rule not found")
		return
	}

	var rule domain.FraudRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	rule.ID = existing.ID
	rule.TenantID = tenantID
	rule.CreatedAt = existing.CreatedAt
	rule.CreatedBy = existing.CreatedBy
	rule.UpdatedAt = time.Now().UTC()

	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report := h.engine.CheckConflicts(tenantID, &rule, rule.ID)
	if report.HasConflicts {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     "rule conflicts with existing rules",
			"conflicts": report.Conflicts,
		})
		return
	}

	if err := h.repo.SaveRule(ctx, tenantID, &rule); err != nil {
		slog.Error("failed to update rule", "id", ruleID, "error", err)
		writeError(w, statusFor(err), "failed to update rule")
		return
	}

	h.reloadEngine(ctx, tenantID)

	slog.Info("rule updated", "id", ruleID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, &rule)
}

// DeleteRule soft-deletes a rule unless active blocks still reference it.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	blocks, err := h.repo.ListBlocksByRule(ctx, tenantID, ruleID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		writeError(w, statusFor(err), "failed to check rule references")
		return
	}
	for _, b := range blocks {
		if b.IsActive {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":   "rule is referenced by active blocks",
				"blockId": b.ID,
			})
			return
		}
	}

	deletedBy := r.URL.Query().Get("deletedBy")
	reason := r.URL.Query().Get("reason")

	if err := h.repo.SoftDeleteRule(ctx, tenantID, ruleID, deletedBy, reason); err != nil {
		writeError(w, statusFor(err), "rule not found")
		return
	}

	h.reloadEngine(ctx, tenantID)

	slog.Info("rule deleted", "id", ruleID, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// RuleTestRequest is the request body for POST /rules/test.
type RuleTestRequest struct {
	Rule      domain.FraudRule      `json:"rule"`
	TestCases []domain.RuleTestCase `json:"testCases"`
}

// TestRule dry-runs a candidate rule against supplied test cases and
// reports expected-vs-actual per case.
func (h *Handler) TestRule(w http.ResponseWriter, r *http.Request) {
	var req RuleTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if err := req.Rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.TestCases) == 0 {
		writeError(w, http.StatusBadRequest, "at least one test case is required")
		return
	}

	// Compile the guard up front so behavioral rules dry-run with the
	// same condition-plus-guard semantics they get once loaded.
	matcher, err := h.engine.Matcher(&req.Rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := make([]domain.RuleTestResult, 0, len(req.TestCases))
	passed := 0
	for _, tc := range req.TestCases {
		actual := matcher(tc.Record)
		ok := actual == tc.Expected
		if ok {
			passed++
		}
		results = append(results, domain.RuleTestResult{
			Record:   tc.Record,
			Expected: tc.Expected,
			Actual:   actual,
			Passed:   ok,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"passed":  passed,
		"total":   len(results),
	})
}

// ApplyRuleRequest is the request body for POST /rules/{id}/apply.
type ApplyRuleRequest struct {
	Hours  int  `json:"hours,omitempty"`
	Limit  int  `json:"limit,omitempty"`
	DryRun bool `json:"dryRun"`
}

// ApplyRule runs an existing rule against recent events and returns the
// match rate. With dryRun false, matched events also run the rule's
// actions.
func (h *Handler) ApplyRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	rule, err := h.repo.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		writeError(w, statusFor(err), "rule not found")
		return
	}

	req := ApplyRuleRequest{Hours: 24, Limit: 1000, DryRun: true}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
	}
	if req.Hours <= 0 {
		req.Hours = 24
	}
	if req.Limit <= 0 {
		req.Limit = 1000
	}

	since := time.Now().UTC().Add(-time.Duration(req.Hours) * time.Hour)
	events, err := h.repo.ListRecentEvents(ctx, tenantID, since, req.Limit)
	if err != nil {
		writeError(w, statusFor(err), "failed to list recent events")
		return
	}

	matcher, err := h.engine.Matcher(rule)
	if err != nil {
		writeError(w, statusFor(err), "failed to compile rule guard")
		return
	}

	matched := 0
	for _, ev := range events {
		if !matcher(ev.Record()) {
			continue
		}
		matched++
		if !req.DryRun && h.executor != nil {
			h.executor.Execute(ctx, tenantID, rule, ev, true)
		}
	}

	rate := 0.0
	if len(events) > 0 {
		rate = float64(matched) / float64(len(events))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ruleId":    ruleID,
		"events":    len(events),
		"matched":   matched,
		"matchRate": rate,
		"dryRun":    req.DryRun,
	})
}

// BlockRequest is the request body for POST /blocks.
type BlockRequest struct {
	Type      domain.BlockType `json:"type"`
	Value     string           `json:"value"`
	Reason    string           `json:"reason"`
	Severity  string           `json:"severity"`
	CreatedBy string           `json:"createdBy"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
}

// CreateBlock creates a manual fraud block.
func (h *Handler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Type == "" || req.Value == "" {
		writeError(w, http.StatusBadRequest, "type and value are required")
		return
	}

	if existing, err := h.repo.GetActiveBlock(ctx, tenantID, req.Type, req.Value); err == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"block":    existing,
			"existing": true,
		})
		return
	}

	if req.Severity == "" {
		req.Severity = "medium"
	}

	block := &domain.FraudBlock{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Type:      req.Type,
		Value:     req.Value,
		Reason:    req.Reason,
		Severity:  req.Severity,
		IsActive:  true,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: req.CreatedBy,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.repo.SaveBlock(ctx, tenantID, block); err != nil {
		slog.Error("failed to save block", "value", req.Value, "error", err)
		writeError(w, statusFor(err), "failed to save block")
		return
	}

	slog.Info("block created", "type", req.Type, "value", req.Value, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, block)
}

// GetBlock retrieves the active block for a type/value pair.
func (h *Handler) GetBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	blockType := domain.BlockType(chi.URLParam(r, "type"))
	value := chi.URLParam(r, "value")

	block, err := h.repo.GetActiveBlock(ctx, tenantID, blockType, value)
	if err != nil {
		writeError(w, statusFor(err), "no active block")
		return
	}

	writeJSON(w, http.StatusOK, block)
}

// DeleteBlock lifts the active block for a type/value pair.
func (h *Handler) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	blockType := domain.BlockType(chi.URLParam(r, "type"))
	value := chi.URLParam(r, "value")

	unblockedBy := r.URL.Query().Get("unblockedBy")
	reason := r.URL.Query().Get("reason")

	ok, err := h.repo.Unblock(ctx, tenantID, blockType, value, unblockedBy, reason)
	if err != nil {
		writeError(w, statusFor(err), "failed to unblock")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no active block")
		return
	}

	slog.Info("block lifted", "type", blockType, "value", value, "tenant_id", tenantID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

// reloadEngine refreshes the in-memory rule set from the store.
func (h *Handler) reloadEngine(ctx context.Context, tenantID string) {
	active, err := h.repo.ListRules(ctx, tenantID, true)
	if err != nil {
		slog.Error("failed to reload rules", "tenant_id", tenantID, "error", err)
		return
	}
	if err := h.engine.ReloadRules(tenantID, active); err != nil {
		slog.Error("failed to reload rule engine", "tenant_id", tenantID, "error", err)
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
