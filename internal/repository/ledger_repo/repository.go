// Package ledger_repo persists orders, transactions and their outbox
// messages as one unit of work.
package ledger_repo

import (
	"context"
	"time"

	"reconciler/internal/domain"
)

// Tx is the set of writes allowed while an order is locked. Everything
// written through one Tx commits or rolls back together.
type Tx interface {
	// GetOrderForUpdate loads the order and holds its exclusive lock until
	// the unit of work ends.
	GetOrderForUpdate(ctx context.Context, orderID string) (*domain.Order, error)
	CreateOrder(ctx context.Context, order *domain.Order) error
	UpdateOrder(ctx context.Context, order *domain.Order) error
	GetTransactionByOrder(ctx context.Context, orderID string) (*domain.Transaction, error)
	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	UpdateTransaction(ctx context.Context, t *domain.Transaction) error
	AddOutboxMessage(ctx context.Context, msg *domain.OutboxMessage) error
}

type Store interface {
	// RunInTx runs fn in a unit of work serialized on orderID. fn returning
	// an error rolls back every write.
	RunInTx(ctx context.Context, orderID string, fn func(ctx context.Context, tx Tx) error) error

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	GetTransactionByOrder(ctx context.Context, orderID string) (*domain.Transaction, error)
	FindTransactionByIntent(ctx context.Context, gateway domain.Gateway, remoteIntentID string) (*domain.Transaction, error)

	ListAbandonedOrders(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ListStaleTransactions(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error)
}

// PublishFunc delivers one outbox message to the broker.
type PublishFunc func(ctx context.Context, msg domain.OutboxMessage) error

// OutboxSource hands pending outbox messages to a publisher and records the
// outcome of each attempt.
type OutboxSource interface {
	ProcessPending(ctx context.Context, limit, maxAttempts int, publish PublishFunc) (sent int, err error)
}
