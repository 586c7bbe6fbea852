package domain

import "time"

// BlockType classifies what key a block applies to.
type BlockType string

const (
	BlockTypeIP        BlockType = "ip"
	BlockTypeUser      BlockType = "user"
	BlockTypeRuleBased BlockType = "rule_based"
)

// FraudBlock denies traffic for a specific key (an IP, a user id) until it
// is explicitly unblocked or expires. Uniqueness is enforced on
// (type, value, isActive) at creation time.
type FraudBlock struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenantId"`
	Type     BlockType `json:"type"`
	Value    string    `json:"value"`
	Reason   string    `json:"reason"`
	Severity string    `json:"severity"` // low, medium, high, critical
	IsActive bool      `json:"isActive"`

	// SourceRuleID is a weak back-reference to the rule that created this
	// block. Used only for dependency checks before rule deletion.
	SourceRuleID string `json:"sourceRuleId,omitempty"`

	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// Audit fields
	CreatedBy       string     `json:"createdBy,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UnblockedBy     string     `json:"unblockedBy,omitempty"`
	UnblockedAt     *time.Time `json:"unblockedAt,omitempty"`
	UnblockedReason string     `json:"unblockedReason,omitempty"`
}

// Expired reports whether the block has passed its expiry.
func (b *FraudBlock) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}
