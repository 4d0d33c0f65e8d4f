package ledger_repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"reconciler/internal/domain"
	"reconciler/internal/repository/orders_repo"
	"reconciler/internal/repository/outbox_repo"
	"reconciler/internal/repository/transactions_repo"
)

type PostgresStore struct {
	db           *sql.DB
	orders       *orders_repo.OrderRepository
	transactions *transactions_repo.TransactionRepository
	outbox       *outbox_repo.OutboxRepository
	logger       *zap.Logger
}

func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:           db,
		orders:       orders_repo.NewOrderRepository(),
		transactions: transactions_repo.NewTransactionRepository(),
		outbox:       outbox_repo.NewOutboxRepository(),
		logger:       logger,
	}
}

// RunInTx relies on GetOrderForUpdate for serialization, so orderID is only
// used for logging here.
func (s *PostgresStore) RunInTx(ctx context.Context, orderID string, fn func(ctx context.Context, tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for order %s: %w", orderID, err)
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered panic in ledger transaction, rolling back", zap.String("order_id", orderID), zap.Any("panic", r))
			_ = sqlTx.Rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, &postgresTx{store: s, q: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back ledger transaction", zap.String("order_id", orderID), zap.Error(rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction for order %s: %w", orderID, err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orders.GetByIDTx(ctx, s.db, orderID, false)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.transactions.GetByIDTx(ctx, s.db, id)
}

func (s *PostgresStore) GetTransactionByOrder(ctx context.Context, orderID string) (*domain.Transaction, error) {
	return s.transactions.GetByOrderIDTx(ctx, s.db, orderID)
}

func (s *PostgresStore) FindTransactionByIntent(ctx context.Context, gateway domain.Gateway, remoteIntentID string) (*domain.Transaction, error) {
	return s.transactions.GetByIntentTx(ctx, s.db, gateway, remoteIntentID)
}

func (s *PostgresStore) ListAbandonedOrders(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return s.orders.ListAbandoned(ctx, s.db, cutoff, limit)
}

func (s *PostgresStore) ListStaleTransactions(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error) {
	return s.transactions.ListStale(ctx, s.db, cutoff, limit)
}

// ProcessPending publishes a locked batch inside one database transaction so
// concurrent publishers never pick the same message.
func (s *PostgresStore) ProcessPending(ctx context.Context, limit, maxAttempts int, publish PublishFunc) (int, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer sqlTx.Rollback()

	messages, err := s.outbox.GetPendingMessagesTx(ctx, sqlTx, limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range messages {
		if err := publish(ctx, msg); err != nil {
			s.logger.Error("Failed to publish outbox message",
				zap.String("message_id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.Int("attempts", msg.Attempts+1),
				zap.Error(err),
			)
			if err := s.outbox.RecordFailureTx(ctx, sqlTx, msg.ID, maxAttempts); err != nil {
				return sent, err
			}
			continue
		}
		if err := s.outbox.MarkSentTx(ctx, sqlTx, msg.ID, time.Now().UTC()); err != nil {
			return sent, err
		}
		sent++
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox transaction: %w", err)
	}
	return sent, nil
}

type postgresTx struct {
	store *PostgresStore
	q     domain.Querier
}

func (t *postgresTx) GetOrderForUpdate(ctx context.Context, orderID string) (*domain.Order, error) {
	return t.store.orders.GetByIDTx(ctx, t.q, orderID, true)
}

func (t *postgresTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	return t.store.orders.CreateTx(ctx, t.q, order)
}

func (t *postgresTx) UpdateOrder(ctx context.Context, order *domain.Order) error {
	return t.store.orders.UpdateTx(ctx, t.q, order)
}

func (t *postgresTx) GetTransactionByOrder(ctx context.Context, orderID string) (*domain.Transaction, error) {
	return t.store.transactions.GetByOrderIDTx(ctx, t.q, orderID)
}

func (t *postgresTx) CreateTransaction(ctx context.Context, tr *domain.Transaction) error {
	return t.store.transactions.CreateTx(ctx, t.q, tr)
}

func (t *postgresTx) UpdateTransaction(ctx context.Context, tr *domain.Transaction) error {
	return t.store.transactions.UpdateTx(ctx, t.q, tr)
}

func (t *postgresTx) AddOutboxMessage(ctx context.Context, msg *domain.OutboxMessage) error {
	return t.store.outbox.CreateMessageTx(ctx, t.q, msg)
}
