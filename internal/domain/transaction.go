package domain

import (
	"fmt"
	"time"
)

type TransactionStatus string

const (
	TransactionStatusCreated   TransactionStatus = "CREATED"
	TransactionStatusCapturing TransactionStatus = "CAPTURING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// Transaction is the single settlement attempt of an order at a gateway.
type Transaction struct {
	ID             string
	OrderID        string
	Gateway        Gateway
	RemoteIntentID string
	Status         TransactionStatus
	Amount         int64
	Currency       string
	CapturedAmount int64
	FailureReason  string
	// RawReference is kept for audit and debugging only.
	RawReference string
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (t *Transaction) IsTerminal() bool {
	return t.Status == TransactionStatusCompleted || t.Status == TransactionStatusFailed
}

// BeginCapture reports whether the transaction moved to CAPTURING. A
// transaction that is already capturing is left as is.
func (t *Transaction) BeginCapture(now time.Time) (bool, error) {
	switch t.Status {
	case TransactionStatusCreated:
		t.Status = TransactionStatusCapturing
		t.UpdatedAt = now
		return true, nil
	case TransactionStatusCapturing:
		return false, nil
	default:
		return false, fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, t.ID, t.Status)
	}
}

func (t *Transaction) Complete(captured int64, now time.Time) error {
	if t.IsTerminal() {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, t.ID, t.Status)
	}
	t.Status = TransactionStatusCompleted
	t.CapturedAmount = captured
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

func (t *Transaction) Fail(reason string, now time.Time) error {
	if t.IsTerminal() {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, t.ID, t.Status)
	}
	t.Status = TransactionStatusFailed
	t.FailureReason = reason
	t.UpdatedAt = now
	return nil
}
