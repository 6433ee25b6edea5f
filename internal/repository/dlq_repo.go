package repository

import (
	"context"
	"fmt"

	"crmcore/internal/model"
)

type DLQRepository interface {
	Create(ctx context.Context, message *model.DeadLetterMessage) error
}

type dlqRepository struct {
	db Querier
}

func NewDLQRepository(db Querier) DLQRepository {
	return &dlqRepository{db: db}
}

func (r *dlqRepository) Create(ctx context.Context, message *model.DeadLetterMessage) error {
	query := `
        INSERT INTO dead_letter_messages (queue_name, message_id, payload, last_error, read_count, status)
        VALUES ($1, $2, $3::jsonb, $4, $5, $6)
        RETURNING id, created_at, updated_at
    `
	err := r.db.QueryRow(
		ctx,
		query,
		message.QueueName,
		message.MessageID,
		message.Payload,
		message.LastError,
		message.ReadCount,
		message.Status,
	).Scan(&message.ID, &message.CreatedAt, &message.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persist dead letter %d from %s: %w", message.MessageID, message.QueueName, err)
	}
	return nil
}
