package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// AcknowledgmentRepository persists per-order user acknowledgments.
type AcknowledgmentRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAcknowledgmentRepository creates a new acknowledgment repository
func NewAcknowledgmentRepository(db *sqlx.DB, logger *slog.Logger) *AcknowledgmentRepository {
	return &AcknowledgmentRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// RecordAcknowledgments transfers the session acknowledgments of an order to
// the database: exactly one row per distinct ack_key, all in one transaction.
// A row never aggregates multiple keys.
func (r *AcknowledgmentRepository) RecordAcknowledgments(ctx context.Context, orderID string, acks []*OrderAcknowledgment) error {
	query := `
		INSERT INTO acted_order_user_acknowledgment (
			id, order_id, ack_key, template_ref, entry_point,
			acknowledged_at, ip_address, user_agent, rule_context, created_at
		) VALUES (
			:id, :order_id, :ack_key, :template_ref, :entry_point,
			:acknowledged_at, :ip_address, :user_agent, :rule_context, :created_at
		)
		ON CONFLICT (order_id, ack_key) DO NOTHING`

	seen := make(map[string]bool, len(acks))
	now := time.Now()

	err := r.Transaction(func(tx *sqlx.Tx) error {
		for _, ack := range acks {
			if ack.AckKey == "" || seen[ack.AckKey] {
				continue
			}
			seen[ack.AckKey] = true

			ack.ID = uuid.NewString()
			ack.OrderID = orderID
			ack.CreatedAt = now
			if ack.AcknowledgedAt.IsZero() {
				ack.AcknowledgedAt = now
			}

			if _, err := tx.NamedExecContext(ctx, query, ack); err != nil {
				return fmt.Errorf("ack_key %s: %w", ack.AckKey, err)
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to record acknowledgments", "order_id", orderID, "error", err)
		return fmt.Errorf("failed to record acknowledgments: %w", err)
	}

	r.logger.Info("Acknowledgments recorded", "order_id", orderID, "count", len(seen))
	return nil
}

// ListByOrder returns all acknowledgment rows for an order.
func (r *AcknowledgmentRepository) ListByOrder(ctx context.Context, orderID string) ([]*OrderAcknowledgment, error) {
	var acks []*OrderAcknowledgment
	err := r.db.SelectContext(ctx, &acks, `
		SELECT * FROM acted_order_user_acknowledgment
		WHERE order_id = $1
		ORDER BY acknowledged_at ASC`, orderID)
	if err != nil {
		r.logger.Error("Failed to list acknowledgments", "order_id", orderID, "error", err)
		return nil, fmt.Errorf("failed to list acknowledgments: %w", err)
	}
	return acks, nil
}
