package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// RuleRepository handles rule data operations
type RuleRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *sqlx.DB, logger *slog.Logger) *RuleRepository {
	return &RuleRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create creates a new rule and bumps the rule cache version.
func (r *RuleRepository) Create(ctx context.Context, rule *Rule) error {
	query := `
		INSERT INTO acted_rule (
			id, rule_id, name, description, entry_point, priority, active,
			active_from, active_until, version, metadata, fields_schema_ref,
			condition, actions, stop_processing, created_at, updated_at
		) VALUES (
			:id, :rule_id, :name, :description, :entry_point, :priority, :active,
			:active_from, :active_until, :version, :metadata, :fields_schema_ref,
			:condition, :actions, :stop_processing, :created_at, :updated_at
		)`

	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	if rule.Version == 0 {
		rule.Version = 1
	}

	err := r.Transaction(func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, query, rule); err != nil {
			return err
		}
		return bumpCacheVersion(ctx, tx, "acted_rule")
	})
	if err != nil {
		r.logger.Error("Failed to create rule", "rule_id", rule.RuleID, "error", err)
		return fmt.Errorf("failed to create rule: %w", err)
	}

	r.logger.Info("Rule created", "rule_id", rule.RuleID, "entry_point", rule.EntryPoint)
	return nil
}

// GetByRuleID retrieves a rule by its stable external identifier.
func (r *RuleRepository) GetByRuleID(ctx context.Context, ruleID string) (*Rule, error) {
	query := `
		SELECT * FROM acted_rule
		WHERE rule_id = $1 AND deleted_at IS NULL`

	var rule Rule
	err := r.db.GetContext(ctx, &rule, query, ruleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get rule", "rule_id", ruleID, "error", err)
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return &rule, nil
}

// Update updates an existing rule with optimistic locking on version.
func (r *RuleRepository) Update(ctx context.Context, rule *Rule) error {
	current, err := r.GetByRuleID(ctx, rule.RuleID)
	if err != nil {
		return fmt.Errorf("failed to get current rule: %w", err)
	}

	query := `
		UPDATE acted_rule SET
			name = :name,
			description = :description,
			entry_point = :entry_point,
			priority = :priority,
			active = :active,
			active_from = :active_from,
			active_until = :active_until,
			metadata = :metadata,
			fields_schema_ref = :fields_schema_ref,
			condition = :condition,
			actions = :actions,
			stop_processing = :stop_processing,
			version = :version,
			updated_at = :updated_at
		WHERE rule_id = :rule_id AND version = :current_version AND deleted_at IS NULL`

	rule.Version = current.Version + 1
	rule.UpdatedAt = time.Now()

	updateData := struct {
		*Rule
		CurrentVersion int `db:"current_version"`
	}{
		Rule:           rule,
		CurrentVersion: current.Version,
	}

	err = r.Transaction(func(tx *sqlx.Tx) error {
		result, err := tx.NamedExecContext(ctx, query, updateData)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("rule not found or version conflict: %s", rule.RuleID)
		}
		return bumpCacheVersion(ctx, tx, "acted_rule")
	})
	if err != nil {
		r.logger.Error("Failed to update rule", "rule_id", rule.RuleID, "error", err)
		return fmt.Errorf("failed to update rule: %w", err)
	}

	r.logger.Info("Rule updated", "rule_id", rule.RuleID, "new_version", rule.Version)
	return nil
}

// ListForEntryPoint returns the ordered candidate rules for an entry point:
// active, inside their activity window, sorted (priority ASC, created_at ASC).
func (r *RuleRepository) ListForEntryPoint(ctx context.Context, entryPoint string, now time.Time) ([]*Rule, error) {
	query := `
		SELECT * FROM acted_rule
		WHERE entry_point = $1
		  AND active = true
		  AND deleted_at IS NULL
		  AND (active_from IS NULL OR active_from <= $2)
		  AND (active_until IS NULL OR active_until >= $2)
		ORDER BY priority ASC, created_at ASC`

	var rules []*Rule
	err := r.db.SelectContext(ctx, &rules, query, entryPoint, now)
	if err != nil {
		r.logger.Error("Failed to list rules for entry point", "entry_point", entryPoint, "error", err)
		return nil, fmt.Errorf("failed to list rules for entry point: %w", err)
	}

	return rules, nil
}

// ListActiveByEntryPoint returns every active rule for an entry point in
// evaluation order, without the activity-window filter. The rule provider
// caches this list and applies the window per call.
func (r *RuleRepository) ListActiveByEntryPoint(ctx context.Context, entryPoint string) ([]*Rule, error) {
	query := `
		SELECT * FROM acted_rule
		WHERE entry_point = $1
		  AND active = true
		  AND deleted_at IS NULL
		ORDER BY priority ASC, created_at ASC`

	var rules []*Rule
	err := r.db.SelectContext(ctx, &rules, query, entryPoint)
	if err != nil {
		r.logger.Error("Failed to list active rules", "entry_point", entryPoint, "error", err)
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}

	return rules, nil
}

// List retrieves rules with filtering and pagination.
func (r *RuleRepository) List(ctx context.Context, filter Filter) ([]*Rule, int, error) {
	var conditions []string
	var args []interface{}
	argIndex := 0

	conditions = append(conditions, "deleted_at IS NULL")

	if filter.EntryPoint != "" {
		argIndex++
		conditions = append(conditions, fmt.Sprintf("entry_point = $%d", argIndex))
		args = append(args, filter.EntryPoint)
	}
	if filter.Active != nil {
		argIndex++
		conditions = append(conditions, fmt.Sprintf("active = $%d", argIndex))
		args = append(args, *filter.Active)
	}

	whereClause := "WHERE " + strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM acted_rule %s", whereClause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	limitClause := ""
	if filter.Limit > 0 {
		argIndex++
		limitClause = fmt.Sprintf("LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			argIndex++
			limitClause += fmt.Sprintf(" OFFSET $%d", argIndex)
			args = append(args, filter.Offset)
		}
	}

	dataQuery := fmt.Sprintf(`
		SELECT * FROM acted_rule %s
		ORDER BY entry_point ASC, priority ASC, created_at ASC %s`,
		whereClause, limitClause)

	var rules []*Rule
	if err := r.db.SelectContext(ctx, &rules, dataQuery, args...); err != nil {
		r.logger.Error("Failed to list rules", "error", err)
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}

	return rules, total, nil
}

// SetActive enables or disables a rule.
func (r *RuleRepository) SetActive(ctx context.Context, ruleID string, active bool) error {
	query := `
		UPDATE acted_rule SET
			active = $2,
			updated_at = NOW()
		WHERE rule_id = $1 AND deleted_at IS NULL`

	err := r.Transaction(func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, query, ruleID, active)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
		}
		return bumpCacheVersion(ctx, tx, "acted_rule")
	})
	if err != nil {
		r.logger.Error("Failed to set rule active flag", "rule_id", ruleID, "active", active, "error", err)
		return fmt.Errorf("failed to set rule active flag: %w", err)
	}

	r.logger.Info("Rule active flag changed", "rule_id", ruleID, "active", active)
	return nil
}

// Delete soft deletes a rule.
func (r *RuleRepository) Delete(ctx context.Context, ruleID string) error {
	query := `
		UPDATE acted_rule SET
			deleted_at = NOW(),
			updated_at = NOW()
		WHERE rule_id = $1 AND deleted_at IS NULL`

	err := r.Transaction(func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, query, ruleID)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
		}
		return bumpCacheVersion(ctx, tx, "acted_rule")
	})
	if err != nil {
		r.logger.Error("Failed to delete rule", "rule_id", ruleID, "error", err)
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	r.logger.Info("Rule deleted", "rule_id", ruleID)
	return nil
}

// CacheVersion returns the monotonic write counter for a table. The rule
// provider compares it against the version its cache was built from.
func (r *RuleRepository) CacheVersion(ctx context.Context, table string) (int64, error) {
	var version int64
	err := r.db.GetContext(ctx, &version,
		`SELECT version FROM acted_cache_version WHERE table_name = $1`, table)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache version: %w", err)
	}
	return version, nil
}

func bumpCacheVersion(ctx context.Context, tx *sqlx.Tx, table string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO acted_cache_version (table_name, version)
		VALUES ($1, 1)
		ON CONFLICT (table_name) DO UPDATE SET version = acted_cache_version.version + 1`,
		table)
	if err != nil {
		return fmt.Errorf("failed to bump cache version for %s: %w", table, err)
	}
	return nil
}
