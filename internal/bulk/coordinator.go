// Package bulk applies validated mutations to many targets at once with
// per-item outcome reporting.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clickguard/kestrel/internal/domain"
)

// Emitter receives the optional single summary notification per batch.
type Emitter interface {
	Emit(event *domain.DomainEvent)
}

// ItemResult is the outcome for one target within a batch.
type ItemResult struct {
	Target string `json:"target"`
	Status string `json:"status"` // blocked, existing, unblocked, missing, created, skipped, updated, deleted, resolved, error
	Error  string `json:"error,omitempty"`
}

// Report summarizes a batch with per-item outcomes. Counts holds the
// operation-specific tallies (blocked/existing, created/skipped, ...).
type Report struct {
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
	Items  []ItemResult   `json:"items"`
}

func newReport(total int) *Report {
	return &Report{Total: total, Counts: map[string]int{}}
}

func (r *Report) add(target, status, errMsg string) {
	r.Items = append(r.Items, ItemResult{Target: target, Status: status, Error: errMsg})
	r.Counts[status]++
}

// Audit stamps every bulk mutation with who asked for it and why.
type Audit struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
	Notify bool   `json:"notify"`
}

// Coordinator executes bulk operations with partial-success semantics.
// The one exception is delete-rules, which is all-or-nothing behind a
// dependency guard.
type Coordinator struct {
	repo    domain.Repository
	emitter Emitter
	logger  *slog.Logger
}

// NewCoordinator creates a bulk coordinator. The emitter may be nil when
// summary notifications are not wanted.
func NewCoordinator(repo domain.Repository, emitter Emitter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{repo: repo, emitter: emitter, logger: logger}
}

// BlockIPs blocks each IP that is not already actively blocked.
func (c *Coordinator) BlockIPs(ctx context.Context, tenantID string, ips []string, severity string, audit Audit) (*Report, error) {
	return c.blockValues(ctx, tenantID, domain.BlockTypeIP, ips, severity, audit)
}

// BlockUsers blocks each user id that is not already actively blocked.
func (c *Coordinator) BlockUsers(ctx context.Context, tenantID string, userIDs []string, severity string, audit Audit) (*Report, error) {
	return c.blockValues(ctx, tenantID, domain.BlockTypeUser, userIDs, severity, audit)
}

func (c *Coordinator) blockValues(ctx context.Context, tenantID string, blockType domain.BlockType, values []string, severity string, audit Audit) (*Report, error) {
	if severity == "" {
		severity = "medium"
	}
	report := newReport(len(values))
	now := time.Now().UTC()

	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			report.add(value, "error", "empty value")
			continue
		}
		if existing, err := c.repo.GetActiveBlock(ctx, tenantID, blockType, value); err == nil && existing != nil {
			report.add(value, "existing", "")
			continue
		}
		block := &domain.FraudBlock{
			ID:        uuid.New().String(),
			TenantID:  tenantID,
			Type:      blockType,
			Value:     value,
			Reason:    audit.Reason,
			Severity:  severity,
			IsActive:  true,
			CreatedBy: audit.Actor,
			CreatedAt: now,
		}
		if err := c.repo.SaveBlock(ctx, tenantID, block); err != nil {
			report.add(value, "error", err.Error())
			continue
		}
		report.add(value, "blocked", "")
	}

	c.summarize(tenantID, "bulk-block-"+string(blockType), report, audit)
	return report, nil
}

// UnblockIPs lifts active blocks for each IP; unknown IPs are reported as
// missing rather than failing the batch.
func (c *Coordinator) UnblockIPs(ctx context.Context, tenantID string, ips []string, audit Audit) (*Report, error) {
	return c.unblockValues(ctx, tenantID, domain.BlockTypeIP, ips, audit)
}

// UnblockUsers lifts active blocks for each user id.
func (c *Coordinator) UnblockUsers(ctx context.Context, tenantID string, userIDs []string, audit Audit) (*Report, error) {
	return c.unblockValues(ctx, tenantID, domain.BlockTypeUser, userIDs, audit)
}

func (c *Coordinator) unblockValues(ctx context.Context, tenantID string, blockType domain.BlockType, values []string, audit Audit) (*Report, error) {
	report := newReport(len(values))
	for _, value := range values {
		removed, err := c.repo.Unblock(ctx, tenantID, blockType, value, audit.Actor, audit.Reason)
		switch {
		case err != nil:
			report.add(value, "error", err.Error())
		case removed:
			report.add(value, "unblocked", "")
		default:
			report.add(value, "missing", "")
		}
	}
	c.summarize(tenantID, "bulk-unblock-"+string(blockType), report, audit)
	return report, nil
}

// CreateRules validates and inserts rules. With skipDuplicates set, rules
// whose name collides with an existing rule are skipped silently; without
// it a collision is a per-item error.
func (c *Coordinator) CreateRules(ctx context.Context, tenantID string, rules []*domain.FraudRule, skipDuplicates bool, audit Audit) (*Report, error) {
	existing, err := c.repo.ListRules(ctx, tenantID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, r := range existing {
		if r.DeletedAt == nil {
			names[r.Name] = true
		}
	}

	report := newReport(len(rules))
	now := time.Now().UTC()
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			report.add(rule.Name, "error", err.Error())
			continue
		}
		if names[rule.Name] {
			if skipDuplicates {
				report.add(rule.Name, "skipped", "")
			} else {
				report.add(rule.Name, "error", fmt.Sprintf("rule %q already exists", rule.Name))
			}
			continue
		}
		if rule.ID == "" {
			rule.ID = uuid.New().String()
		}
		rule.TenantID = tenantID
		rule.CreatedBy = audit.Actor
		rule.CreatedAt = now
		rule.UpdatedAt = now
		if err := c.repo.SaveRule(ctx, tenantID, rule); err != nil {
			report.add(rule.Name, "error", err.Error())
			continue
		}
		names[rule.Name] = true
		report.add(rule.Name, "created", "")
	}

	c.summarize(tenantID, "bulk-create-rules", report, audit)
	return report, nil
}

// DeleteRules soft-deletes rules behind a dependency guard: when any
// target rule is referenced by an active FraudBlock via sourceRuleId, the
// entire batch is refused. No partial deletes.
func (c *Coordinator) DeleteRules(ctx context.Context, tenantID string, ruleIDs []string, audit Audit) (*Report, error) {
	var blocked []string
	for _, id := range ruleIDs {
		blocks, err := c.repo.ListBlocksByRule(ctx, tenantID, id)
		if err != nil {
			return nil, fmt.Errorf("failed to check dependencies for rule %s: %w", id, err)
		}
		for _, b := range blocks {
			if b.IsActive {
				blocked = append(blocked, id)
				break
			}
		}
	}
	if len(blocked) > 0 {
		return nil, fmt.Errorf("%w: rules %s are referenced by active blocks",
			domain.ErrDependency, strings.Join(blocked, ", "))
	}

	report := newReport(len(ruleIDs))
	for _, id := range ruleIDs {
		if err := c.repo.SoftDeleteRule(ctx, tenantID, id, audit.Actor, audit.Reason); err != nil {
			report.add(id, "error", err.Error())
			continue
		}
		report.add(id, "deleted", "")
	}

	c.summarize(tenantID, "bulk-delete-rules", report, audit)
	return report, nil
}

// RuleUpdate is one partial rule mutation within an update batch. Only
// non-nil fields are applied.
type RuleUpdate struct {
	ID       string  `json:"id"`
	Priority *int    `json:"priority,omitempty"`
	IsActive *bool   `json:"isActive,omitempty"`
	Name     *string `json:"name,omitempty"`
}

// UpdateRules applies partial updates per item.
func (c *Coordinator) UpdateRules(ctx context.Context, tenantID string, updates []RuleUpdate, audit Audit) (*Report, error) {
	report := newReport(len(updates))
	now := time.Now().UTC()

	for _, u := range updates {
		rule, err := c.repo.GetRule(ctx, tenantID, u.ID)
		if err != nil {
			report.add(u.ID, "error", err.Error())
			continue
		}
		if u.Priority != nil {
			rule.Priority = *u.Priority
		}
		if u.IsActive != nil {
			rule.IsActive = *u.IsActive
		}
		if u.Name != nil {
			rule.Name = *u.Name
		}
		if err := rule.Validate(); err != nil {
			report.add(u.ID, "error", err.Error())
			continue
		}
		rule.UpdatedAt = now
		if err := c.repo.SaveRule(ctx, tenantID, rule); err != nil {
			report.add(u.ID, "error", err.Error())
			continue
		}
		report.add(u.ID, "updated", "")
	}

	c.summarize(tenantID, "bulk-update-rules", report, audit)
	return report, nil
}

// ProcessAlerts resolves monitoring alerts in bulk.
func (c *Coordinator) ProcessAlerts(ctx context.Context, tenantID string, alertIDs []string, audit Audit) (*Report, error) {
	report := newReport(len(alertIDs))
	for _, id := range alertIDs {
		if err := c.repo.ResolveAlert(ctx, tenantID, id, audit.Actor); err != nil {
			report.add(id, "error", err.Error())
			continue
		}
		report.add(id, "resolved", "")
	}
	c.summarize(tenantID, "bulk-process-alerts", report, audit)
	return report, nil
}

// summarize emits at most one notification per batch. Per-item
// notifications would be a storm; the report itself carries the detail.
func (c *Coordinator) summarize(tenantID, operation string, report *Report, audit Audit) {
	if !audit.Notify || c.emitter == nil {
		return
	}
	data := map[string]interface{}{
		"operation": operation,
		"total":     report.Total,
		"actor":     audit.Actor,
	}
	for status, n := range report.Counts {
		data[status] = n
	}
	c.emitter.Emit(&domain.DomainEvent{
		Type:      domain.EventSystemAlert,
		TenantID:  tenantID,
		Severity:  "low",
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}
