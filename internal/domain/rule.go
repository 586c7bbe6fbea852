package domain

import "time"

// RuleType classifies what a fraud rule targets.
type RuleType string

const (
	RuleTypeIPBlock           RuleType = "ip_block"
	RuleTypeCountryBlock      RuleType = "country_block"
	RuleTypeUserAgentBlock    RuleType = "user_agent_block"
	RuleTypeRateLimit         RuleType = "rate_limit"
	RuleTypeConversionRate    RuleType = "conversion_rate"
	RuleTypeDeviceFingerprint RuleType = "device_fingerprint"
	RuleTypeBehavioral        RuleType = "behavioral"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpRegex       Operator = "regex"
	OpInList      Operator = "in_list"
)

// Logic joins a condition with the running match result of the rule.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Condition is a single field/operator/value test within a rule.
// Logic describes how this condition combines with the accumulated result
// of the previous conditions; empty means AND.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
	Logic    Logic    `json:"logic,omitempty"`
}

// ActionType names what the executor should do on a rule match.
type ActionType string

const (
	ActionBlock    ActionType = "block"
	ActionFlag     ActionType = "flag"
	ActionScore    ActionType = "score"
	ActionNotify   ActionType = "notify"
	ActionRedirect ActionType = "redirect"
	ActionTrack    ActionType = "track"
)

// Action is a typed action with action-specific parameters.
// Params is decoded into a typed variant at execution time.
type Action struct {
	Type   ActionType             `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// FraudRule defines a fraud detection rule: ordered conditions combined
// with AND/OR logic, plus the actions to run on a match.
type FraudRule struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenantId"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        RuleType `json:"type"`

	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`

	// Optional CEL guard, only meaningful for behavioral rules.
	// When set, the compiled expression must also hold for the rule to match.
	Expression string `json:"expression,omitempty"`

	// Priority 1-100; higher priority rules are evaluated first.
	Priority int  `json:"priority"`
	IsActive bool `json:"isActive"`

	// Audit fields
	CreatedBy     string     `json:"createdBy,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	DeletedBy     string     `json:"deletedBy,omitempty"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
	DeletedReason string     `json:"deletedReason,omitempty"`
}

// ConflictType classifies a detected conflict between two rules.
type ConflictType string

const (
	ConflictConditionOverlap ConflictType = "condition_overlap"
	ConflictActionConflict   ConflictType = "action_conflict"
)

// RuleConflict describes a single conflict between a candidate rule and an
// existing active rule of the same type.
type RuleConflict struct {
	Type        ConflictType `json:"type"`
	RuleID      string       `json:"ruleId"`
	RuleName    string       `json:"ruleName"`
	Field       string       `json:"field,omitempty"`
	Operator    Operator     `json:"operator,omitempty"`
	Severity    string       `json:"severity"` // low, medium, high
	Description string       `json:"description"`
}

// ConflictReport is the outcome of a conflict check.
// HasConflicts is true only when a condition overlap was found; action-only
// conflicts are informational and do not block creation.
type ConflictReport struct {
	HasConflicts bool           `json:"hasConflicts"`
	Conflicts    []RuleConflict `json:"conflicts"`
}

// RuleTestCase is one dry-run case for POST /rules/test.
type RuleTestCase struct {
	Record   map[string]string `json:"record"`
	Expected bool              `json:"expected"`
}

// RuleTestResult reports expected-vs-actual for one test case.
type RuleTestResult struct {
	Record   map[string]string `json:"record"`
	Expected bool              `json:"expected"`
	Actual   bool              `json:"actual"`
	Passed   bool              `json:"passed"`
}
