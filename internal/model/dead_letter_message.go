package model

import "time"

// DeadLetterMessage is a tick that exhausted its retries, persisted for operators.
type DeadLetterMessage struct {
	ID        string    `db:"id"`
	QueueName string    `db:"queue_name"`
	MessageID int64     `db:"message_id"`
	Payload   string    `db:"payload"` // Should be a JSON string
	LastError *string   `db:"last_error"`
	ReadCount int       `db:"read_count"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
