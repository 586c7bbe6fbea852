package bulk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clickguard/kestrel/internal/domain"
)

type bulkStore struct {
	domain.Repository
	blocks       map[string]*domain.FraudBlock
	rules        map[string]*domain.FraudRule
	blocksByRule map[string][]*domain.FraudBlock
	resolved     []string
	deleted      []string
}

func newBulkStore() *bulkStore {
	return &bulkStore{
		blocks:       map[string]*domain.FraudBlock{},
		rules:        map[string]*domain.FraudRule{},
		blocksByRule: map[string][]*domain.FraudBlock{},
	}
}

func (s *bulkStore) GetActiveBlock(ctx context.Context, tenantID string, blockType domain.BlockType, value string) (*domain.FraudBlock, error) {
	b, ok := s.blocks[string(blockType)+":"+value]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (s *bulkStore) SaveBlock(ctx context.Context, tenantID string, block *domain.FraudBlock) error {
	s.blocks[string(block.Type)+":"+block.Value] = block
	return nil
}

func (s *bulkStore) Unblock(ctx context.Context, tenantID string, blockType domain.BlockType, value, by, reason string) (bool, error) {
	key := string(blockType) + ":" + value
	if _, ok := s.blocks[key]; !ok {
		return false, nil
	}
	delete(s.blocks, key)
	return true, nil
}

func (s *bulkStore) ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.FraudRule, error) {
	out := []*domain.FraudRule{}
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out, nil
}

func (s *bulkStore) GetRule(ctx context.Context, tenantID, id string) (*domain.FraudRule, error) {
	r, ok := s.rules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

func (s *bulkStore) SaveRule(ctx context.Context, tenantID string, rule *domain.FraudRule) error {
	s.rules[rule.ID] = rule
	return nil
}

func (s *bulkStore) SoftDeleteRule(ctx context.Context, tenantID, id, by, reason string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *bulkStore) ListBlocksByRule(ctx context.Context, tenantID, ruleID string) ([]*domain.FraudBlock, error) {
	return s.blocksByRule[ruleID], nil
}

func (s *bulkStore) ResolveAlert(ctx context.Context, tenantID, id, by string) error {
	s.resolved = append(s.resolved, id)
	return nil
}

type captureEmitter struct {
	events []*domain.DomainEvent
}

func (e *captureEmitter) Emit(event *domain.DomainEvent) {
	e.events = append(e.events, event)
}

func validRule(name string) *domain.FraudRule {
	return &domain.FraudRule{
		Name:     name,
		Type:     domain.RuleTypeIPBlock,
		Priority: 50,
		IsActive: true,
		Conditions: []domain.Condition{
			{Field: "country", Operator: domain.OpEquals, Value: "CN"},
		},
		Actions: []domain.Action{{Type: domain.ActionBlock}},
	}
}

func TestBlockIPsPartialSuccess(t *testing.T) {
	store := newBulkStore()
	store.blocks["ip:10.0.0.1"] = &domain.FraudBlock{ID: "b1", Type: domain.BlockTypeIP, Value: "10.0.0.1", IsActive: true}
	c := NewCoordinator(store, nil, nil)

	report, err := c.BlockIPs(context.Background(), "t1", []string{"10.0.0.1", "10.0.0.2"}, "high", Audit{Actor: "ops"})
	if err != nil {
		t.Fatalf("BlockIPs failed: %v", err)
	}
	if report.Total != 2 || report.Counts["blocked"] != 1 || report.Counts["existing"] != 1 {
		t.Errorf("report = total %d, counts %v; want total 2, blocked 1, existing 1", report.Total, report.Counts)
	}
	saved := store.blocks["ip:10.0.0.2"]
	if saved == nil || saved.CreatedBy != "ops" || saved.Severity != "high" {
		t.Errorf("new block not audit-stamped correctly: %+v", saved)
	}
}

func TestUnblockIPsReportsMissing(t *testing.T) {
	store := newBulkStore()
	store.blocks["ip:10.0.0.1"] = &domain.FraudBlock{Type: domain.BlockTypeIP, Value: "10.0.0.1"}
	c := NewCoordinator(store, nil, nil)

	report, err := c.UnblockIPs(context.Background(), "t1", []string{"10.0.0.1", "10.0.0.9"}, Audit{Actor: "ops"})
	if err != nil {
		t.Fatalf("UnblockIPs failed: %v", err)
	}
	if report.Counts["unblocked"] != 1 || report.Counts["missing"] != 1 {
		t.Errorf("counts = %v, want unblocked 1 missing 1", report.Counts)
	}
}

func TestCreateRulesSkipDuplicates(t *testing.T) {
	store := newBulkStore()
	store.rules["r1"] = &domain.FraudRule{ID: "r1", Name: "geo block"}
	c := NewCoordinator(store, nil, nil)

	report, err := c.CreateRules(context.Background(), "t1",
		[]*domain.FraudRule{validRule("geo block"), validRule("ua block"), validRule("rate cap")},
		true, Audit{Actor: "ops"})
	if err != nil {
		t.Fatalf("CreateRules failed: %v", err)
	}
	if report.Total != 3 || report.Counts["created"] != 2 || report.Counts["skipped"] != 1 {
		t.Errorf("report = %v, want created 2 skipped 1 of 3", report.Counts)
	}
}

func TestCreateRulesDuplicateErrorsWithoutSkip(t *testing.T) {
	store := newBulkStore()
	store.rules["r1"] = &domain.FraudRule{ID: "r1", Name: "geo block"}
	c := NewCoordinator(store, nil, nil)

	report, _ := c.CreateRules(context.Background(), "t1",
		[]*domain.FraudRule{validRule("geo block")}, false, Audit{})
	if report.Counts["error"] != 1 {
		t.Errorf("duplicate without skip should be an item error, got %v", report.Counts)
	}
}

func TestCreateRulesValidationPerItem(t *testing.T) {
	store := newBulkStore()
	c := NewCoordinator(store, nil, nil)

	bad := validRule("no conditions")
	bad.Conditions = nil
	report, _ := c.CreateRules(context.Background(), "t1",
		[]*domain.FraudRule{bad, validRule("good")}, false, Audit{})
	if report.Counts["error"] != 1 || report.Counts["created"] != 1 {
		t.Errorf("invalid item should not abort the batch, got %v", report.Counts)
	}
}

func TestDeleteRulesDependencyGuardIsAllOrNothing(t *testing.T) {
	store := newBulkStore()
	store.blocksByRule["r1"] = []*domain.FraudBlock{{ID: "b1", IsActive: true}}
	c := NewCoordinator(store, nil, nil)

	_, err := c.DeleteRules(context.Background(), "t1", []string{"r1", "r2"}, Audit{Actor: "ops"})
	if !errors.Is(err, domain.ErrDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if len(store.deleted) != 0 {
		t.Errorf("no rule may be deleted when any target has a live dependency, deleted %v", store.deleted)
	}
}

func TestDeleteRulesInactiveBlockDoesNotGuard(t *testing.T) {
	store := newBulkStore()
	store.blocksByRule["r1"] = []*domain.FraudBlock{{ID: "b1", IsActive: false}}
	c := NewCoordinator(store, nil, nil)

	report, err := c.DeleteRules(context.Background(), "t1", []string{"r1"}, Audit{Actor: "ops"})
	if err != nil {
		t.Fatalf("DeleteRules failed: %v", err)
	}
	if report.Counts["deleted"] != 1 {
		t.Errorf("rule with only inactive blocks should delete, got %v", report.Counts)
	}
}

func TestUpdateRulesPartial(t *testing.T) {
	store := newBulkStore()
	store.rules["r1"] = validRule("geo block")
	store.rules["r1"].ID = "r1"
	c := NewCoordinator(store, nil, nil)

	priority := 90
	inactive := false
	report, err := c.UpdateRules(context.Background(), "t1", []RuleUpdate{
		{ID: "r1", Priority: &priority, IsActive: &inactive},
		{ID: "missing"},
	}, Audit{Actor: "ops"})
	if err != nil {
		t.Fatalf("UpdateRules failed: %v", err)
	}
	if report.Counts["updated"] != 1 || report.Counts["error"] != 1 {
		t.Errorf("counts = %v, want updated 1 error 1", report.Counts)
	}
	if store.rules["r1"].Priority != 90 || store.rules["r1"].IsActive {
		t.Errorf("updates not applied: %+v", store.rules["r1"])
	}
}

func TestProcessAlerts(t *testing.T) {
	store := newBulkStore()
	c := NewCoordinator(store, nil, nil)

	report, err := c.ProcessAlerts(context.Background(), "t1", []string{"a1", "a2"}, Audit{Actor: "ops"})
	if err != nil {
		t.Fatalf("ProcessAlerts failed: %v", err)
	}
	if report.Counts["resolved"] != 2 || len(store.resolved) != 2 {
		t.Errorf("both alerts should resolve, got %v", report.Counts)
	}
}

func TestSummaryNotificationSingle(t *testing.T) {
	store := newBulkStore()
	emitter := &captureEmitter{}
	c := NewCoordinator(store, emitter, nil)

	c.BlockIPs(context.Background(), "t1", []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, "low",
		Audit{Actor: "ops", Notify: true})

	if len(emitter.events) != 1 {
		t.Fatalf("exactly one summary notification expected, got %d", len(emitter.events))
	}
	ev := emitter.events[0]
	if ev.Type != domain.EventSystemAlert || ev.Data["total"] != 3 {
		t.Errorf("summary payload wrong: %+v", ev)
	}
}

func TestNoNotificationWithoutFlag(t *testing.T) {
	emitter := &captureEmitter{}
	c := NewCoordinator(newBulkStore(), emitter, nil)
	c.BlockUsers(context.Background(), "t1", []string{"u1"}, "", Audit{Actor: "ops"})
	if len(emitter.events) != 0 {
		t.Errorf("notify flag unset must emit nothing, got %d", len(emitter.events))
	}
}

func TestBlockStampsTimestamp(t *testing.T) {
	store := newBulkStore()
	c := NewCoordinator(store, nil, nil)
	before := time.Now().UTC().Add(-time.Second)

	c.BlockIPs(context.Background(), "t1", []string{"10.9.9.9"}, "", Audit{Actor: "ops", Reason: "abuse"})
	b := store.blocks["ip:10.9.9.9"]
	if b == nil || b.CreatedAt.Before(before) || b.Reason != "abuse" {
		t.Errorf("audit stamp missing: %+v", b)
	}
}
