package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// FieldsRepository handles reusable context schema documents.
type FieldsRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewFieldsRepository creates a new fields repository
func NewFieldsRepository(db *sqlx.DB, logger *slog.Logger) *FieldsRepository {
	return &FieldsRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create stores a new schema document and bumps the fields cache version.
func (r *FieldsRepository) Create(ctx context.Context, fields *RuleFields) error {
	query := `
		INSERT INTO acted_rules_fields (
			id, fields_id, schema, version, active, created_at, updated_at
		) VALUES (
			:id, :fields_id, :schema, :version, :active, :created_at, :updated_at
		)`

	fields.CreatedAt = time.Now()
	fields.UpdatedAt = fields.CreatedAt
	if fields.Version == 0 {
		fields.Version = 1
	}

	err := r.Transaction(func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, query, fields); err != nil {
			return err
		}
		return bumpCacheVersion(ctx, tx, "acted_rules_fields")
	})
	if err != nil {
		r.logger.Error("Failed to create rules fields", "fields_id", fields.FieldsID, "error", err)
		return fmt.Errorf("failed to create rules fields: %w", err)
	}

	r.logger.Info("Rules fields created", "fields_id", fields.FieldsID)
	return nil
}

// GetByFieldsID retrieves the active schema document for a fields reference.
func (r *FieldsRepository) GetByFieldsID(ctx context.Context, fieldsID string) (*RuleFields, error) {
	query := `
		SELECT * FROM acted_rules_fields
		WHERE fields_id = $1 AND active = true
		ORDER BY version DESC
		LIMIT 1`

	var fields RuleFields
	err := r.db.GetContext(ctx, &fields, query, fieldsID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rules fields %s: %w", fieldsID, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get rules fields", "fields_id", fieldsID, "error", err)
		return nil, fmt.Errorf("failed to get rules fields: %w", err)
	}

	return &fields, nil
}

// Update replaces the schema document, bumping its version.
func (r *FieldsRepository) Update(ctx context.Context, fields *RuleFields) error {
	query := `
		UPDATE acted_rules_fields SET
			schema = :schema,
			active = :active,
			version = version + 1,
			updated_at = :updated_at
		WHERE fields_id = :fields_id`

	fields.UpdatedAt = time.Now()

	err := r.Transaction(func(tx *sqlx.Tx) error {
		result, err := tx.NamedExecContext(ctx, query, fields)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("rules fields %s: %w", fields.FieldsID, ErrNotFound)
		}
		return bumpCacheVersion(ctx, tx, "acted_rules_fields")
	})
	if err != nil {
		r.logger.Error("Failed to update rules fields", "fields_id", fields.FieldsID, "error", err)
		return fmt.Errorf("failed to update rules fields: %w", err)
	}

	r.logger.Info("Rules fields updated", "fields_id", fields.FieldsID)
	return nil
}

// CacheVersion returns the write counter for the fields table.
func (r *FieldsRepository) CacheVersion(ctx context.Context) (int64, error) {
	var version int64
	err := r.db.GetContext(ctx, &version,
		`SELECT version FROM acted_cache_version WHERE table_name = 'acted_rules_fields'`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read fields cache version: %w", err)
	}
	return version, nil
}
