// Package actions executes the typed actions attached to a matched fraud
// rule. Actions run independently: one failing action never aborts the rest.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clickguard/kestrel/internal/domain"
)

// ActionResult is the outcome of executing a single action.
type ActionResult struct {
	Type    domain.ActionType      `json:"type"`
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// BlockParams configures a block action.
type BlockParams struct {
	Target    string // "ip" or "user"; defaults to ip
	Severity  string
	Reason    string
	ExpiresIn time.Duration // zero means no expiry
}

// ScoreParams configures an advisory score adjustment.
type ScoreParams struct {
	Adjustment float64
	Reason     string
}

// NotifyParams configures a notify action; the router acts on the result.
type NotifyParams struct {
	Severity string
	Message  string
}

// RedirectParams configures a redirect action for the tracking layer.
type RedirectParams struct {
	URL string
}

// TrackParams configures a track action.
type TrackParams struct {
	Label string
}

// Executor runs rule actions against collaborator stores.
type Executor struct {
	repo   domain.Repository
	logger *slog.Logger
}

// NewExecutor creates an action executor.
func NewExecutor(repo domain.Repository, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{repo: repo, logger: logger}
}

// Execute runs every action of a matched rule against the event. A false
// matched flag is a no-op. Each action is executed independently and its
// outcome recorded; handlers tolerate missing or malformed parameters.
func (e *Executor) Execute(ctx context.Context, tenantID string, rule *domain.FraudRule, event *domain.TrafficEvent, matched bool) []ActionResult {
	if !matched || rule == nil {
		return nil
	}

	results := make([]ActionResult, 0, len(rule.Actions))
	for _, action := range rule.Actions {
		var result ActionResult
		switch action.Type {
		case domain.ActionBlock:
			result = e.executeBlock(ctx, tenantID, rule, event, decodeBlockParams(action.Params))
		case domain.ActionFlag:
			result = e.executeFlag(rule, event, decodeScoreParams(action.Params))
		case domain.ActionScore:
			result = e.executeScore(decodeScoreParams(action.Params))
		case domain.ActionNotify:
			result = e.executeNotify(rule, decodeNotifyParams(action.Params))
		case domain.ActionRedirect:
			result = e.executeRedirect(decodeRedirectParams(action.Params))
		case domain.ActionTrack:
			result = e.executeTrack(rule, event, decodeTrackParams(action.Params))
		default:
			result = ActionResult{
				Type:  action.Type,
				Error: fmt.Sprintf("unknown action type %q", action.Type),
			}
		}
		if result.Error != "" {
			e.logger.Warn("action failed",
				"tenant_id", tenantID,
				"rule_id", rule.ID,
				"action", action.Type,
				"error", result.Error)
		}
		results = append(results, result)
	}
	return results
}

// executeBlock inserts a FraudBlock for the event's IP or user. An existing
// active block for the same (type, value) is reported as success with
// existing=true rather than duplicated.
func (e *Executor) executeBlock(ctx context.Context, tenantID string, rule *domain.FraudRule, event *domain.TrafficEvent, params BlockParams) ActionResult {
	blockType := domain.BlockTypeIP
	value := event.IP
	if params.Target == "user" {
		blockType = domain.BlockTypeUser
		value = event.PartnerID
	}
	if value == "" {
		return ActionResult{Type: domain.ActionBlock, Error: "event carries no blockable value"}
	}

	if existing, err := e.repo.GetActiveBlock(ctx, tenantID, blockType, value); err == nil && existing != nil {
		return ActionResult{
			Type:    domain.ActionBlock,
			Success: true,
			Data: map[string]interface{}{
				"blockId":  existing.ID,
				"existing": true,
			},
		}
	}

	block := &domain.FraudBlock{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Type:         blockType,
		Value:        value,
		Reason:       params.Reason,
		Severity:     params.Severity,
		IsActive:     true,
		SourceRuleID: rule.ID,
		CreatedBy:    "rule:" + rule.ID,
		CreatedAt:    time.Now().UTC(),
	}
	if block.Reason == "" {
		block.Reason = fmt.Sprintf("matched rule %q", rule.Name)
	}
	if block.Severity == "" {
		block.Severity = "medium"
	}
	if params.ExpiresIn > 0 {
		expires := block.CreatedAt.Add(params.ExpiresIn)
		block.ExpiresAt = &expires
	}

	if err := e.repo.SaveBlock(ctx, tenantID, block); err != nil {
		return ActionResult{Type: domain.ActionBlock, Error: err.Error()}
	}

	e.logger.Info("block created",
		"tenant_id", tenantID,
		"block_id", block.ID,
		"type", block.Type,
		"value", block.Value,
		"rule_id", rule.ID)

	return ActionResult{
		Type:    domain.ActionBlock,
		Success: true,
		Data: map[string]interface{}{
			"blockId":  block.ID,
			"type":     string(block.Type),
			"value":    block.Value,
			"severity": block.Severity,
		},
	}
}

// executeFlag is advisory: it marks the event suspicious without creating
// a durable block.
func (e *Executor) executeFlag(rule *domain.FraudRule, event *domain.TrafficEvent, params ScoreParams) ActionResult {
	return ActionResult{
		Type:    domain.ActionFlag,
		Success: true,
		Data: map[string]interface{}{
			"clickId":    event.ClickID,
			"ruleId":     rule.ID,
			"adjustment": params.Adjustment,
			"reason":     params.Reason,
		},
	}
}

func (e *Executor) executeScore(params ScoreParams) ActionResult {
	return ActionResult{
		Type:    domain.ActionScore,
		Success: true,
		Data: map[string]interface{}{
			"adjustment": params.Adjustment,
			"reason":     params.Reason,
		},
	}
}

func (e *Executor) executeNotify(rule *domain.FraudRule, params NotifyParams) ActionResult {
	severity := params.Severity
	if severity == "" {
		severity = "medium"
	}
	message := params.Message
	if message == "" {
		message = fmt.Sprintf("rule %q matched", rule.Name)
	}
	return ActionResult{
		Type:    domain.ActionNotify,
		Success: true,
		Data: map[string]interface{}{
			"severity": severity,
			"message":  message,
		},
	}
}

func (e *Executor) executeRedirect(params RedirectParams) ActionResult {
	if params.URL == "" {
		return ActionResult{Type: domain.ActionRedirect, Error: "redirect action requires a url parameter"}
	}
	return ActionResult{
		Type:    domain.ActionRedirect,
		Success: true,
		Data:    map[string]interface{}{"url": params.URL},
	}
}

func (e *Executor) executeTrack(rule *domain.FraudRule, event *domain.TrafficEvent, params TrackParams) ActionResult {
	label := params.Label
	if label == "" {
		label = string(rule.Type)
	}
	return ActionResult{
		Type:    domain.ActionTrack,
		Success: true,
		Data: map[string]interface{}{
			"label":   label,
			"clickId": event.ClickID,
			"ruleId":  rule.ID,
		},
	}
}
