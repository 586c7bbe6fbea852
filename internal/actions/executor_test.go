package actions

import (
	"context"
	"testing"
	"time"

	"github.com/clickguard/kestrel/internal/domain"
)

// blockStore implements just the block methods the executor touches.
type blockStore struct {
	domain.Repository
	saved  []*domain.FraudBlock
	active map[string]*domain.FraudBlock
}

func newBlockStore() *blockStore {
	return &blockStore{active: map[string]*domain.FraudBlock{}}
}

func (s *blockStore) GetActiveBlock(ctx context.Context, tenantID string, blockType domain.BlockType, value string) (*domain.FraudBlock, error) {
	b, ok := s.active[string(blockType)+":"+value]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (s *blockStore) SaveBlock(ctx context.Context, tenantID string, block *domain.FraudBlock) error {
	s.saved = append(s.saved, block)
	s.active[string(block.Type)+":"+block.Value] = block
	return nil
}

func testEvent() *domain.TrafficEvent {
	return &domain.TrafficEvent{
		ID:       "evt-1",
		TenantID: "t1",
		Type:     "click",
		ClickID:  "click-1",
		IP:       "203.0.113.5",
		Country:  "CN",
	}
}

func testRule(actions ...domain.Action) *domain.FraudRule {
	return &domain.FraudRule{
		ID:      "rule-1",
		Name:    "suspicious geo",
		Type:    domain.RuleTypeIPBlock,
		Actions: actions,
	}
}

func TestExecuteNoopWhenUnmatched(t *testing.T) {
	e := NewExecutor(newBlockStore(), nil)
	rule := testRule(domain.Action{Type: domain.ActionBlock})

	if got := e.Execute(context.Background(), "t1", rule, testEvent(), false); got != nil {
		t.Fatalf("unmatched rule must be a no-op, got %d results", len(got))
	}
}

func TestExecuteBlockCreatesFraudBlock(t *testing.T) {
	store := newBlockStore()
	e := NewExecutor(store, nil)
	rule := testRule(domain.Action{
		Type:   domain.ActionBlock,
		Params: map[string]interface{}{"severity": "high", "expiresInMinutes": 60.0},
	})

	results := e.Execute(context.Background(), "t1", rule, testEvent(), true)
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("expected one successful result, got %+v", results)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected one saved block, got %d", len(store.saved))
	}

	b := store.saved[0]
	if b.Type != domain.BlockTypeIP || b.Value != "203.0.113.5" {
		t.Errorf("block targets %s %q, want ip 203.0.113.5", b.Type, b.Value)
	}
	if b.Severity != "high" {
		t.Errorf("severity = %q, want high", b.Severity)
	}
	if b.SourceRuleID != "rule-1" {
		t.Errorf("sourceRuleId = %q, want rule-1", b.SourceRuleID)
	}
	if b.ExpiresAt == nil || b.ExpiresAt.Sub(b.CreatedAt) != time.Hour {
		t.Errorf("expiry not set to one hour: %v", b.ExpiresAt)
	}
}

func TestExecuteBlockExistingIsNotDuplicated(t *testing.T) {
	store := newBlockStore()
	store.active["ip:203.0.113.5"] = &domain.FraudBlock{ID: "existing-1", Type: domain.BlockTypeIP, Value: "203.0.113.5", IsActive: true}

	e := NewExecutor(store, nil)
	rule := testRule(domain.Action{Type: domain.ActionBlock})

	results := e.Execute(context.Background(), "t1", rule, testEvent(), true)
	if !results[0].Success {
		t.Fatalf("existing block should still report success: %+v", results[0])
	}
	if results[0].Data["existing"] != true {
		t.Error("result should flag the block as pre-existing")
	}
	if len(store.saved) != 0 {
		t.Errorf("no new block should be saved, got %d", len(store.saved))
	}
}

func TestExecuteActionsIndependent(t *testing.T) {
	store := newBlockStore()
	e := NewExecutor(store, nil)
	rule := testRule(
		domain.Action{Type: domain.ActionRedirect}, // missing url, fails
		domain.Action{Type: domain.ActionTrack},
		domain.Action{Type: domain.ActionBlock, Params: map[string]interface{}{"severity": "low"}},
	)

	results := e.Execute(context.Background(), "t1", rule, testEvent(), true)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Success || results[0].Error == "" {
		t.Errorf("redirect without url should fail: %+v", results[0])
	}
	if !results[1].Success {
		t.Errorf("track should succeed despite prior failure: %+v", results[1])
	}
	if !results[2].Success || len(store.saved) != 1 {
		t.Errorf("block should still run after failures: %+v", results[2])
	}
}

func TestExecuteAdvisoryActions(t *testing.T) {
	e := NewExecutor(newBlockStore(), nil)
	rule := testRule(
		domain.Action{Type: domain.ActionScore, Params: map[string]interface{}{"adjustment": 0.3}},
		domain.Action{Type: domain.ActionFlag},
		domain.Action{Type: domain.ActionNotify},
	)

	results := e.Execute(context.Background(), "t1", rule, testEvent(), true)
	for i, r := range results {
		if !r.Success {
			t.Errorf("advisory action %d should not fail: %+v", i, r)
		}
	}
	if results[0].Data["adjustment"] != 0.3 {
		t.Errorf("score adjustment lost: %+v", results[0].Data)
	}
	if results[2].Data["severity"] != "medium" {
		t.Errorf("notify severity should default to medium: %+v", results[2].Data)
	}
}

func TestExecuteUnknownActionTolerated(t *testing.T) {
	e := NewExecutor(newBlockStore(), nil)
	rule := testRule(domain.Action{Type: "teleport"})

	results := e.Execute(context.Background(), "t1", rule, testEvent(), true)
	if len(results) != 1 || results[0].Success {
		t.Fatalf("unknown action should fail softly: %+v", results)
	}
}
