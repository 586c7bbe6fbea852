// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clickguard/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrValidation
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvent stores a traffic event with tenant isolation.
func (r *SQLRepository) SaveEvent(ctx context.Context, tenantID string, event *domain.TrafficEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(event.Metadata)

	query := `
		INSERT INTO events (
			id, tenant_id, type, click_id, partner_id, offer_id,
			ip, country, user_agent, referer, device_type, browser,
			timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, tenantID, event.Type,
		event.ClickID, event.PartnerID, event.OfferID,
		event.IP, event.Country, event.UserAgent,
		event.Referer, event.DeviceType, event.Browser,
		event.Timestamp, event.CreatedAt, string(metadata),
	)
	return err
}

// GetEvent retrieves a traffic event by ID with tenant isolation.
func (r *SQLRepository) GetEvent(ctx context.Context, tenantID string, eventID string) (*domain.TrafficEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, type, click_id, partner_id, offer_id,
			   ip, country, user_agent, referer, device_type, browser,
			   timestamp, created_at, metadata
		FROM events
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, eventID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

// ListRecentEvents retrieves events since a timestamp, newest first.
func (r *SQLRepository) ListRecentEvents(ctx context.Context, tenantID string, since time.Time, limit int) ([]*domain.TrafficEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, type, click_id, partner_id, offer_id,
			   ip, country, user_agent, referer, device_type, browser,
			   timestamp, created_at, metadata
		FROM events
		WHERE tenant_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.TrafficEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CountEventsBySource counts events of a type matching one source field.
// Used by the velocity service as the durable fallback for rate features.
func (r *SQLRepository) CountEventsBySource(ctx context.Context, tenantID string, eventType, field, value string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var column string
	switch field {
	case "ip":
		column = "ip"
	case "partner_id":
		column = "partner_id"
	case "click_id":
		column = "click_id"
	default:
		return 0, fmt.Errorf("%w: unsupported count field %q", ErrInvalidInput, field)
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM events
		WHERE tenant_id = ? AND type = ? AND %s = ? AND timestamp >= ?
	`, column)

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, eventType, value, since).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*domain.TrafficEvent, error) {
	var event domain.TrafficEvent
	var metadata string

	err := row.Scan(
		&event.ID, &event.TenantID, &event.Type,
		&event.ClickID, &event.PartnerID, &event.OfferID,
		&event.IP, &event.Country, &event.UserAgent,
		&event.Referer, &event.DeviceType, &event.Browser,
		&event.Timestamp, &event.CreatedAt, &metadata,
	)
	if err != nil {
		return nil, err
	}
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &event.Metadata)
	}
	return &event, nil
}

// SaveRule stores or updates a fraud rule with tenant isolation.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.FraudRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	conditions, _ := json.Marshal(rule.Conditions)
	actions, _ := json.Marshal(rule.Actions)

	query := `
		INSERT INTO fraud_rules (
			id, tenant_id, name, description, type, conditions, actions,
			expression, priority, is_active, created_by, created_at, updated_at,
			deleted_by, deleted_at, deleted_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			type = excluded.type,
			conditions = excluded.conditions,
			actions = excluded.actions,
			expression = excluded.expression,
			priority = excluded.priority,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description, rule.Type,
		string(conditions), string(actions), rule.Expression,
		rule.Priority, boolToInt(rule.IsActive),
		rule.CreatedBy, rule.CreatedAt, rule.UpdatedAt,
		rule.DeletedBy, rule.DeletedAt, rule.DeletedReason,
	)
	return err
}

// GetRule retrieves a fraud rule by ID with tenant isolation.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.FraudRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := ruleSelect + ` WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListRules retrieves fraud rules for a tenant, soft-deleted rules excluded.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]*domain.FraudRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := ruleSelect + ` WHERE tenant_id = ? AND deleted_at IS NULL`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY priority DESC, created_at DESC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.FraudRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SoftDeleteRule marks a rule deleted and inactive without removing the row.
func (r *SQLRepository) SoftDeleteRule(ctx context.Context, tenantID string, ruleID, deletedBy, reason string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE fraud_rules
		SET is_active = 0, deleted_by = ?, deleted_at = ?, deleted_reason = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND deleted_at IS NULL
	`

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.rebind(query), deletedBy, now, reason, now, tenantID, ruleID)
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

const ruleSelect = `
	SELECT id, tenant_id, name, description, type, conditions, actions,
		   expression, priority, is_active, created_by, created_at, updated_at,
		   deleted_by, deleted_at, deleted_reason
	FROM fraud_rules`

func scanRule(row rowScanner) (*domain.FraudRule, error) {
	var rule domain.FraudRule
	var conditions, actions string
	var description, expression, createdBy, deletedBy, deletedReason sql.NullString
	var deletedAt sql.NullTime
	var isActive int

	err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description, &rule.Type,
		&conditions, &actions, &expression,
		&rule.Priority, &isActive, &createdBy, &rule.CreatedAt, &rule.UpdatedAt,
		&deletedBy, &deletedAt, &deletedReason,
	)
	if err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Expression = expression.String
	rule.CreatedBy = createdBy.String
	rule.DeletedBy = deletedBy.String
	rule.DeletedReason = deletedReason.String
	rule.IsActive = isActive == 1
	if deletedAt.Valid {
		t := deletedAt.Time
		rule.DeletedAt = &t
	}
	json.Unmarshal([]byte(conditions), &rule.Conditions)
	json.Unmarshal([]byte(actions), &rule.Actions)
	return &rule, nil
}

// SaveBlock stores a fraud block with tenant isolation.
func (r *SQLRepository) SaveBlock(ctx context.Context, tenantID string, block *domain.FraudBlock) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO fraud_blocks (
			id, tenant_id, type, value, reason, severity, is_active,
			source_rule_id, expires_at, created_by, created_at,
			unblocked_by, unblocked_at, unblocked_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		block.ID, tenantID, block.Type, block.Value,
		block.Reason, block.Severity, boolToInt(block.IsActive),
		block.SourceRuleID, block.ExpiresAt,
		block.CreatedBy, block.CreatedAt,
		block.UnblockedBy, block.UnblockedAt, block.UnblockedReason,
	)
	return err
}

// GetActiveBlock finds the active, unexpired block for a (type, value) pair.
func (r *SQLRepository) GetActiveBlock(ctx context.Context, tenantID string, blockType domain.BlockType, value string) (*domain.FraudBlock, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := blockSelect + `
		WHERE tenant_id = ? AND type = ? AND value = ? AND is_active = 1
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, blockType, value)
	block, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if block.Expired(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	return block, nil
}

// ListBlocksByRule retrieves blocks referencing a rule via source_rule_id.
func (r *SQLRepository) ListBlocksByRule(ctx context.Context, tenantID string, ruleID string) ([]*domain.FraudBlock, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := blockSelect + ` WHERE tenant_id = ? AND source_rule_id = ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []*domain.FraudBlock
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}

// Unblock deactivates the active block for a (type, value) pair. Returns
// false when no active block existed.
func (r *SQLRepository) Unblock(ctx context.Context, tenantID string, blockType domain.BlockType, value, unblockedBy, reason string) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE fraud_blocks
		SET is_active = 0, unblocked_by = ?, unblocked_at = ?, unblocked_reason = ?
		WHERE tenant_id = ? AND type = ? AND value = ? AND is_active = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		unblockedBy, time.Now().UTC(), reason, tenantID, blockType, value)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

const blockSelect = `
	SELECT id, tenant_id, type, value, reason, severity, is_active,
		   source_rule_id, expires_at, created_by, created_at,
		   unblocked_by, unblocked_at, unblocked_reason
	FROM fraud_blocks`

func scanBlock(row rowScanner) (*domain.FraudBlock, error) {
	var block domain.FraudBlock
	var reason, sourceRuleID, createdBy, unblockedBy, unblockedReason sql.NullString
	var expiresAt, unblockedAt sql.NullTime
	var isActive int

	err := row.Scan(
		&block.ID, &block.TenantID, &block.Type, &block.Value,
		&reason, &block.Severity, &isActive,
		&sourceRuleID, &expiresAt, &createdBy, &block.CreatedAt,
		&unblockedBy, &unblockedAt, &unblockedReason,
	)
	if err != nil {
		return nil, err
	}

	block.Reason = reason.String
	block.SourceRuleID = sourceRuleID.String
	block.CreatedBy = createdBy.String
	block.UnblockedBy = unblockedBy.String
	block.UnblockedReason = unblockedReason.String
	block.IsActive = isActive == 1
	if expiresAt.Valid {
		t := expiresAt.Time
		block.ExpiresAt = &t
	}
	if unblockedAt.Valid {
		t := unblockedAt.Time
		block.UnblockedAt = &t
	}
	return &block, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
