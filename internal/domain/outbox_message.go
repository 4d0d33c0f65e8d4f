package domain

import "time"

type OutboxMessageStatus string

const (
	OutboxStatusPending OutboxMessageStatus = "PENDING"
	OutboxStatusSent    OutboxMessageStatus = "SENT"
	OutboxStatusFailed  OutboxMessageStatus = "FAILED"
)

const (
	AggregateOrder = "order"

	MessagePaymentStatusChanged = "payment.status_changed"
	MessageOrderUnderReview     = "order.under_review"
)

// OutboxMessage is a ledger event waiting to be published to Kafka. It is
// written in the same unit of work as the state change it describes.
type OutboxMessage struct {
	ID            string
	AggregateID   string
	AggregateType string
	MessageType   string
	Topic         string
	Key           string
	Payload       []byte
	Status        OutboxMessageStatus
	Attempts      int
	CreatedAt     time.Time
	SentAt        *time.Time
}
