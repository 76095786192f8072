package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ExecutionRepository persists the per-call audit trail and VAT audit rows.
type ExecutionRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(db *sqlx.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Record writes one audit row for an engine execution. Audit writes are
// best-effort: callers log the returned error and carry on.
func (r *ExecutionRepository) Record(ctx context.Context, exec *RuleExecution) error {
	query := `
		INSERT INTO acted_rule_execution (
			id, entry_point, input_context, rules_executed, output,
			outcome, duration_ms, created_at
		) VALUES (
			:id, :entry_point, :input_context, :rules_executed, :output,
			:outcome, :duration_ms, :created_at
		)`

	exec.CreatedAt = time.Now()

	if _, err := r.db.NamedExecContext(ctx, query, exec); err != nil {
		return fmt.Errorf("failed to record rule execution: %w", err)
	}
	return nil
}

// RecordVAT writes a VAT audit row for a calculate_vat execution.
func (r *ExecutionRepository) RecordVAT(ctx context.Context, audit *VATAudit) error {
	query := `
		INSERT INTO acted_vat_audit (
			id, execution_id, cart_id, function_name, region,
			totals, items, fallback, created_at
		) VALUES (
			:id, :execution_id, :cart_id, :function_name, :region,
			:totals, :items, :fallback, :created_at
		)`

	audit.CreatedAt = time.Now()

	if _, err := r.db.NamedExecContext(ctx, query, audit); err != nil {
		return fmt.Errorf("failed to record vat audit: %w", err)
	}
	return nil
}

// List retrieves execution audit rows with filtering and pagination.
func (r *ExecutionRepository) List(ctx context.Context, filter Filter) ([]*RuleExecution, int, error) {
	var conditions []string
	var args []interface{}
	argIndex := 0

	if filter.EntryPoint != "" {
		argIndex++
		conditions = append(conditions, fmt.Sprintf("entry_point = $%d", argIndex))
		args = append(args, filter.EntryPoint)
	}
	if filter.Outcome != "" {
		argIndex++
		conditions = append(conditions, fmt.Sprintf("outcome = $%d", argIndex))
		args = append(args, filter.Outcome)
	}
	if filter.DateFrom != nil {
		argIndex++
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIndex))
		args = append(args, *filter.DateFrom)
	}
	if filter.DateTo != nil {
		argIndex++
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIndex))
		args = append(args, *filter.DateTo)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM acted_rule_execution %s", whereClause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
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
		SELECT * FROM acted_rule_execution %s
		ORDER BY created_at DESC %s`, whereClause, limitClause)

	var executions []*RuleExecution
	if err := r.db.SelectContext(ctx, &executions, dataQuery, args...); err != nil {
		r.logger.Error("Failed to list executions", "error", err)
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}

	return executions, total, nil
}

// PurgeOlderThan deletes audit rows past the retention horizon. Called by the
// housekeeping scheduler.
func (r *ExecutionRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM acted_rule_execution WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge executions: %w", err)
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		r.logger.Info("Purged execution audit rows", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}

// Tx exposes a transaction helper so the engine can scope rule-driven
// mutations and the audit write to a single commit.
func (r *ExecutionRepository) Tx(fn func(*sqlx.Tx) error) error {
	return r.Transaction(fn)
}
