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

// TemplateRepository handles message template persistence.
type TemplateRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *sqlx.DB, logger *slog.Logger) *TemplateRepository {
	return &TemplateRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create stores a new message template.
func (r *TemplateRepository) Create(ctx context.Context, tpl *MessageTemplate) error {
	query := `
		INSERT INTO acted_message_template (
			id, name, title, content_format, content, json_content,
			message_type, variables, dismissible, created_at, updated_at
		) VALUES (
			:id, :name, :title, :content_format, :content, :json_content,
			:message_type, :variables, :dismissible, :created_at, :updated_at
		)`

	tpl.CreatedAt = time.Now()
	tpl.UpdatedAt = tpl.CreatedAt

	err := r.Transaction(func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, query, tpl); err != nil {
			return err
		}
		return bumpCacheVersion(ctx, tx, "acted_message_template")
	})
	if err != nil {
		r.logger.Error("Failed to create message template", "name", tpl.Name, "error", err)
		return fmt.Errorf("failed to create message template: %w", err)
	}

	r.logger.Info("Message template created", "name", tpl.Name)
	return nil
}

// GetByName retrieves a template by its unique name.
func (r *TemplateRepository) GetByName(ctx context.Context, name string) (*MessageTemplate, error) {
	query := `SELECT * FROM acted_message_template WHERE name = $1`

	var tpl MessageTemplate
	err := r.db.GetContext(ctx, &tpl, query, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message template %s: %w", name, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Failed to get message template", "name", name, "error", err)
		return nil, fmt.Errorf("failed to get message template: %w", err)
	}

	return &tpl, nil
}

// Update replaces a template.
func (r *TemplateRepository) Update(ctx context.Context, tpl *MessageTemplate) error {
	query := `
		UPDATE acted_message_template SET
			title = :title,
			content_format = :content_format,
			content = :content,
			json_content = :json_content,
			message_type = :message_type,
			variables = :variables,
			dismissible = :dismissible,
			updated_at = :updated_at
		WHERE name = :name`

	tpl.UpdatedAt = time.Now()

	err := r.Transaction(func(tx *sqlx.Tx) error {
		result, err := tx.NamedExecContext(ctx, query, tpl)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("message template %s: %w", tpl.Name, ErrNotFound)
		}
		return bumpCacheVersion(ctx, tx, "acted_message_template")
	})
	if err != nil {
		r.logger.Error("Failed to update message template", "name", tpl.Name, "error", err)
		return fmt.Errorf("failed to update message template: %w", err)
	}

	r.logger.Info("Message template updated", "name", tpl.Name)
	return nil
}

// List returns all templates.
func (r *TemplateRepository) List(ctx context.Context) ([]*MessageTemplate, error) {
	var templates []*MessageTemplate
	err := r.db.SelectContext(ctx, &templates,
		`SELECT * FROM acted_message_template ORDER BY name ASC`)
	if err != nil {
		r.logger.Error("Failed to list message templates", "error", err)
		return nil, fmt.Errorf("failed to list message templates: %w", err)
	}
	return templates, nil
}

// CacheVersion returns the write counter for the template table.
func (r *TemplateRepository) CacheVersion(ctx context.Context) (int64, error) {
	var version int64
	err := r.db.GetContext(ctx, &version,
		`SELECT version FROM acted_cache_version WHERE table_name = 'acted_message_template'`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read template cache version: %w", err)
	}
	return version, nil
}
