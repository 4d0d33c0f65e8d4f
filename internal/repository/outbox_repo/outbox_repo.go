package outbox_repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"reconciler/internal/domain"
)

type OutboxRepository struct{}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{}
}

func (r *OutboxRepository) CreateMessageTx(ctx context.Context, querier domain.Querier, msg *domain.OutboxMessage) error {
	query := `
		INSERT INTO outbox_messages (id, aggregate_id, aggregate_type, message_type, topic, key_value,
		                             payload, status, attempts, created_at, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	var sentAt sql.NullTime
	if msg.SentAt != nil {
		sentAt = sql.NullTime{Time: *msg.SentAt, Valid: true}
	}

	_, err := querier.ExecContext(ctx, query,
		msg.ID,
		msg.AggregateID,
		msg.AggregateType,
		msg.MessageType,
		msg.Topic,
		msg.Key,
		msg.Payload,
		msg.Status,
		msg.Attempts,
		msg.CreatedAt,
		sentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox message: %w", err)
	}
	return nil
}

// GetPendingMessagesTx locks up to limit pending messages, oldest first.
// Rows locked by another publisher are skipped.
func (r *OutboxRepository) GetPendingMessagesTx(ctx context.Context, querier domain.Querier, limit int) ([]domain.OutboxMessage, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, message_type, topic, key_value, payload, status, attempts, created_at, sent_at
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := querier.QueryContext(ctx, query, domain.OutboxStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.OutboxMessage
	for rows.Next() {
		msg := domain.OutboxMessage{}
		var sentAt sql.NullTime
		err := rows.Scan(
			&msg.ID,
			&msg.AggregateID,
			&msg.AggregateType,
			&msg.MessageType,
			&msg.Topic,
			&msg.Key,
			&msg.Payload,
			&msg.Status,
			&msg.Attempts,
			&msg.CreatedAt,
			&sentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		if sentAt.Valid {
			msg.SentAt = &sentAt.Time
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox messages: %w", err)
	}

	return messages, nil
}

func (r *OutboxRepository) MarkSentTx(ctx context.Context, querier domain.Querier, id string, sentAt time.Time) error {
	query := `
		UPDATE outbox_messages
		SET status = $1, sent_at = $2, attempts = attempts + 1
		WHERE id = $3
	`
	return r.exec(ctx, querier, query, id, domain.OutboxStatusSent, sentAt, id)
}

// RecordFailureTx counts a failed publish. The message leaves the pending
// queue once attempts reaches maxAttempts.
func (r *OutboxRepository) RecordFailureTx(ctx context.Context, querier domain.Querier, id string, maxAttempts int) error {
	query := `
		UPDATE outbox_messages
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE status END
		WHERE id = $3
	`
	return r.exec(ctx, querier, query, id, maxAttempts, domain.OutboxStatusFailed, id)
}

func (r *OutboxRepository) exec(ctx context.Context, querier domain.Querier, query, id string, args ...any) error {
	res, err := querier.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox message %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for outbox update (id %s): %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no outbox message found with id %s", id)
	}
	return nil
}
