package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PreferenceRepository persists user preferences, both durable per-user and
// order-scoped at checkout.
type PreferenceRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewPreferenceRepository creates a new preference repository
func NewPreferenceRepository(db *sqlx.DB, logger *slog.Logger) *PreferenceRepository {
	return &PreferenceRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// RecordPreferences writes the collected preference values of an order: one
// order-scoped row per preference_key plus a durable (user, preference_key)
// upsert, all in one transaction.
func (r *PreferenceRepository) RecordPreferences(ctx context.Context, orderID, userID string, prefs []*OrderPreference) error {
	orderQuery := `
		INSERT INTO acted_order_user_preference (
			id, order_id, user_id, preference_key, preference_value,
			rule_ref, input_type, created_at
		) VALUES (
			:id, :order_id, :user_id, :preference_key, :preference_value,
			:rule_ref, :input_type, :created_at
		)
		ON CONFLICT (order_id, preference_key) DO UPDATE
		SET preference_value = EXCLUDED.preference_value`

	userQuery := `
		INSERT INTO acted_user_preference (
			id, user_id, preference_key, preference_value, updated_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, preference_key) DO UPDATE
		SET preference_value = EXCLUDED.preference_value,
		    updated_at = EXCLUDED.updated_at`

	seen := make(map[string]bool, len(prefs))
	now := time.Now()

	err := r.Transaction(func(tx *sqlx.Tx) error {
		for _, pref := range prefs {
			if pref.PreferenceKey == "" || seen[pref.PreferenceKey] {
				continue
			}
			seen[pref.PreferenceKey] = true

			pref.ID = uuid.NewString()
			pref.OrderID = orderID
			pref.UserID = userID
			pref.CreatedAt = now

			if _, err := tx.NamedExecContext(ctx, orderQuery, pref); err != nil {
				return fmt.Errorf("preference_key %s: %w", pref.PreferenceKey, err)
			}
			if _, err := tx.ExecContext(ctx, userQuery,
				uuid.NewString(), userID, pref.PreferenceKey, pref.PreferenceValue, now); err != nil {
				return fmt.Errorf("preference_key %s: %w", pref.PreferenceKey, err)
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to record preferences", "order_id", orderID, "user_id", userID, "error", err)
		return fmt.Errorf("failed to record preferences: %w", err)
	}

	r.logger.Info("Preferences recorded", "order_id", orderID, "count", len(seen))
	return nil
}

// GetUserPreferences returns the durable preferences of a user keyed by
// preference_key.
func (r *PreferenceRepository) GetUserPreferences(ctx context.Context, userID string) ([]*UserPreference, error) {
	var prefs []*UserPreference
	err := r.db.SelectContext(ctx, &prefs, `
		SELECT * FROM acted_user_preference
		WHERE user_id = $1
		ORDER BY preference_key ASC`, userID)
	if err != nil {
		r.logger.Error("Failed to get user preferences", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to get user preferences: %w", err)
	}
	return prefs, nil
}

// ListByOrder returns the order-scoped preference rows.
func (r *PreferenceRepository) ListByOrder(ctx context.Context, orderID string) ([]*OrderPreference, error) {
	var prefs []*OrderPreference
	err := r.db.SelectContext(ctx, &prefs, `
		SELECT * FROM acted_order_user_preference
		WHERE order_id = $1
		ORDER BY preference_key ASC`, orderID)
	if err != nil {
		r.logger.Error("Failed to list order preferences", "order_id", orderID, "error", err)
		return nil, fmt.Errorf("failed to list order preferences: %w", err)
	}
	return prefs, nil
}
