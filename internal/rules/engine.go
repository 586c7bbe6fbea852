package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/clickguard/kestrel/internal/domain"
)

// Engine holds the loaded fraud rules, bucketed per tenant, and
// evaluates events against them. A tenant only ever sees its own rules.
type Engine struct {
	mu      sync.RWMutex
	env     *cel.Env
	tenants map[string]map[string]*loadedRule
}

// loadedRule pairs a rule with its optional pre-compiled CEL guard.
type loadedRule struct {
	rule    *domain.FraudRule
	program cel.Program
}

// NewEngine creates a new rule engine.
func NewEngine() (*Engine, error) {
	// CEL environment for behavioral rule guards. The record variable is
	// the same flat field map the typed conditions see.
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:     env,
		tenants: make(map[string]map[string]*loadedRule),
	}, nil
}

// ValidateRule validates a rule, including its CEL guard, without loading it.
func (e *Engine) ValidateRule(rule *domain.FraudRule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrValidation)
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.Expression != "" {
		if _, err := e.compileGuard(rule); err != nil {
			return err
		}
	}
	return nil
}

// LoadRule compiles and loads a rule into its tenant's bucket.
func (e *Engine) LoadRule(rule *domain.FraudRule) error {
	if rule.TenantID == "" {
		return fmt.Errorf("%w: rule %s has no tenant", domain.ErrValidation, rule.ID)
	}
	program, err := e.compileGuard(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	bucket, ok := e.tenants[rule.TenantID]
	if !ok {
		bucket = make(map[string]*loadedRule)
		e.tenants[rule.TenantID] = bucket
	}
	bucket[rule.ID] = &loadedRule{rule: rule, program: program}
	return nil
}

// ReloadRules replaces a single tenant's loaded rules with a fresh set.
// Other tenants' buckets are untouched, so per-tenant hot reloads never
// drop rules loaded for anyone else.
func (e *Engine) ReloadRules(tenantID string, rules []*domain.FraudRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}
	loaded := make(map[string]*loadedRule, len(rules))
	for _, rule := range rules {
		if !rule.IsActive || rule.DeletedAt != nil {
			continue
		}
		program, err := e.compileGuard(rule)
		if err != nil {
			return err
		}
		loaded[rule.ID] = &loadedRule{rule: rule, program: program}
	}

	e.mu.Lock()
	e.tenants[tenantID] = loaded
	e.mu.Unlock()
	return nil
}

// RulesCount returns the number of loaded rules across all tenants.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := 0
	for _, bucket := range e.tenants {
		total += len(bucket)
	}
	return total
}

// GetLoadedRules returns a tenant's loaded rules in evaluation order:
// priority descending, then creation time descending.
func (e *Engine) GetLoadedRules(tenantID string) []*domain.FraudRule {
	e.mu.RLock()
	bucket := e.tenants[tenantID]
	rules := make([]*domain.FraudRule, 0, len(bucket))
	for _, lr := range bucket {
		rules = append(rules, lr.rule)
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].CreatedAt.After(rules[j].CreatedAt)
	})
	return rules
}

// Matches evaluates a rule's conditions against a record.
// Conditions are evaluated left-to-right: the first condition seeds the
// accumulator, and each subsequent condition's Logic field determines
// whether its result is AND'd (default) or OR'd with the running result.
// A rule with zero conditions never matches.
func Matches(rule *domain.FraudRule, record map[string]string) bool {
	if len(rule.Conditions) == 0 {
		return false
	}

	acc := Evaluate(rule.Conditions[0], record)
	for _, cond := range rule.Conditions[1:] {
		result := Evaluate(cond, record)
		if cond.Logic == domain.LogicOr {
			acc = acc || result
		} else {
			acc = acc && result
		}
	}
	return acc
}

// Matcher compiles a rule's optional CEL guard once and returns a
// predicate evaluating the typed conditions followed by the guard, the
// same semantics loaded rules get. Dry runs use this so a behavioral
// rule tests the way it fires live.
func (e *Engine) Matcher(rule *domain.FraudRule) (func(map[string]string) bool, error) {
	program, err := e.compileGuard(rule)
	if err != nil {
		return nil, err
	}
	return func(record map[string]string) bool {
		if !Matches(rule, record) {
			return false
		}
		if program != nil {
			return evalGuard(program, record)
		}
		return true
	}, nil
}

// MatchResult pairs a matched rule with its evaluation order.
type MatchResult struct {
	Rule    *domain.FraudRule
	Matched bool
}

// MatchAll evaluates a tenant's loaded active rules against a record, in
// priority order. A failing CEL guard degrades to no-match rather than
// an error.
func (e *Engine) MatchAll(tenantID string, record map[string]string) []MatchResult {
	ordered := e.GetLoadedRules(tenantID)

	e.mu.RLock()
	defer e.mu.RUnlock()
	bucket := e.tenants[tenantID]

	results := make([]MatchResult, 0, len(ordered))
	for _, rule := range ordered {
		matched := Matches(rule, record)
		if matched {
			if lr, ok := bucket[rule.ID]; ok && lr.program != nil {
				matched = evalGuard(lr.program, record)
			}
		}
		results = append(results, MatchResult{Rule: rule, Matched: matched})
	}
	return results
}

// CheckConflicts compares a candidate rule against the tenant's loaded
// active rules of the same type, skipping excludeID (the candidate
// itself on update). Condition overlap (shared field+operator pair) sets
// HasConflicts; an action conflict (blocking vs allowing) is reported at
// medium severity but does not by itself block creation.
func (e *Engine) CheckConflicts(tenantID string, candidate *domain.FraudRule, excludeID string) *domain.ConflictReport {
	report := &domain.ConflictReport{}

	candPairs := conditionPairs(candidate)
	candBlocking := hasBlockingAction(candidate)

	for _, existing := range e.GetLoadedRules(tenantID) {
		if existing.ID == excludeID || existing.Type != candidate.Type {
			continue
		}

		for pair := range conditionPairs(existing) {
			if _, shared := candPairs[pair]; !shared {
				continue
			}
			severity := "low"
			if candidate.Priority == existing.Priority {
				severity = "high"
			} else if candidate.Priority < existing.Priority {
				severity = "medium"
			}
			report.Conflicts = append(report.Conflicts, domain.RuleConflict{
				Type:     domain.ConflictConditionOverlap,
				RuleID:   existing.ID,
				RuleName: existing.Name,
				Field:    pair.field,
				Operator: pair.operator,
				Severity: severity,
				Description: fmt.Sprintf("rule %q already tests %s %s",
					existing.Name, pair.field, pair.operator),
			})
			report.HasConflicts = true
		}

		if candBlocking && hasAllowingAction(existing) {
			report.Conflicts = append(report.Conflicts, domain.RuleConflict{
				Type:     domain.ConflictActionConflict,
				RuleID:   existing.ID,
				RuleName: existing.Name,
				Severity: "medium",
				Description: fmt.Sprintf("candidate blocks traffic that rule %q allows",
					existing.Name),
			})
		}
	}

	return report
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tenants = make(map[string]map[string]*loadedRule)
	return nil
}

type fieldOperator struct {
	field    string
	operator domain.Operator
}

func conditionPairs(rule *domain.FraudRule) map[fieldOperator]struct{} {
	pairs := make(map[fieldOperator]struct{}, len(rule.Conditions))
	for _, c := range rule.Conditions {
		pairs[fieldOperator{field: c.Field, operator: c.Operator}] = struct{}{}
	}
	return pairs
}

func hasBlockingAction(rule *domain.FraudRule) bool {
	for _, a := range rule.Actions {
		if a.Type == domain.ActionBlock || a.Type == domain.ActionRedirect {
			return true
		}
	}
	return false
}

func hasAllowingAction(rule *domain.FraudRule) bool {
	for _, a := range rule.Actions {
		if a.Type == domain.ActionTrack || a.Type == domain.ActionFlag {
			return true
		}
	}
	return false
}

// compileGuard compiles the optional CEL guard for a rule.
// Rules without an expression load with a nil program.
func (e *Engine) compileGuard(rule *domain.FraudRule) (cel.Program, error) {
	if rule.Expression == "" {
		return nil, nil
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: rule %s guard: %v", domain.ErrValidation, rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s guard must return bool, got %s",
			domain.ErrValidation, rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}
	return program, nil
}

func evalGuard(program cel.Program, record map[string]string) bool {
	out, _, err := program.Eval(map[string]any{"record": record})
	if err != nil {
		return false
	}
	b, ok := out.(types.Bool)
	return ok && bool(b)
}
