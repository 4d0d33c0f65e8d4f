// Package ledger owns the durable record of orders and their settlement
// transactions. Every mutation locks the order, validates the transition
// against the payment graph and appends an outbox message in the same unit
// of work.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"reconciler/internal/catalog"
	"reconciler/internal/domain"
	"reconciler/internal/repository/ledger_repo"
	"reconciler/internal/util"
)

// Outcome describes the ledger state after an operation. Changed is false
// when the call was a redelivery that left the ledger untouched.
type Outcome struct {
	Order       *domain.Order
	Transaction *domain.Transaction
	Changed     bool
}

// Granted reports whether this call is the one that moved the order to PAID.
func (o Outcome) Granted() bool {
	return o.Changed && o.Order != nil && o.Order.PaymentStatus == domain.PaymentStatusPaid
}

type Ledger struct {
	store       ledger_repo.Store
	catalog     catalog.Catalog
	statusTopic string
	newID       func() string
	now         func() time.Time
	logger      *zap.Logger
}

func New(store ledger_repo.Store, cat catalog.Catalog, statusTopic string, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:       store,
		catalog:     cat,
		statusTopic: statusTopic,
		newID:       util.GenerateUUID,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With(zap.String("component", "ledger")),
	}
}

// CreateOrder validates the cart against the catalog and stores an UNPAID
// order with the current catalog prices. Nothing is written when validation
// fails.
func (l *Ledger) CreateOrder(ctx context.Context, userID string, items []domain.CartItem, gateway domain.Gateway) (*domain.Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	merged, err := MergeCart(items)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(merged))
	for i, item := range merged {
		ids[i] = item.ProductID
	}
	found, err := l.catalog.GetPurchasableItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog items: %w", err)
	}
	byID := make(map[string]domain.CatalogItem, len(found))
	for _, item := range found {
		byID[item.ID] = item
	}

	lines := make([]domain.LineItem, 0, len(merged))
	currency := ""
	for _, item := range merged {
		product, ok := byID[item.ProductID]
		if !ok || !product.Purchasable(item.Quantity) {
			return nil, fmt.Errorf("%w: %s", domain.ErrProductUnavailable, item.ProductID)
		}
		if currency == "" {
			currency = product.Currency
		} else if !strings.EqualFold(currency, product.Currency) {
			return nil, fmt.Errorf("%w: cart mixes %s and %s", domain.ErrUnsupportedCurrency, currency, product.Currency)
		}
		lines = append(lines, domain.LineItem{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: product.Price})
	}

	order, err := domain.NewOrder(l.newID(), userID, gateway, currency, lines, l.now())
	if err != nil {
		return nil, err
	}

	err = l.store.RunInTx(ctx, order.ID, func(ctx context.Context, tx ledger_repo.Tx) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		return l.enqueue(ctx, tx, order, nil, domain.MessagePaymentStatusChanged, "")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store order: %w", err)
	}

	l.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", userID),
		zap.Int64("total", order.Total),
		zap.String("currency", order.Currency),
		zap.String("gateway", string(gateway)),
	)
	return order, nil
}

// MergeCart folds duplicate product lines together and rejects empty carts
// and non-positive quantities. The first-seen order of products is kept.
func MergeCart(items []domain.CartItem) ([]domain.CartItem, error) {
	if len(items) == 0 {
		return nil, domain.ErrEmptyCart
	}
	index := make(map[string]int, len(items))
	var merged []domain.CartItem
	for _, item := range items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: product id is required", domain.ErrValidation)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s quantity %d", domain.ErrInvalidQuantity, id, item.Quantity)
		}
		if i, ok := index[id]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[id] = len(merged)
		merged = append(merged, domain.CartItem{ProductID: id, Quantity: item.Quantity})
	}
	return merged, nil
}

// AttachTransaction records the gateway intent created for an order. The
// order must be UNPAID, not under review and without a transaction.
func (l *Ledger) AttachTransaction(ctx context.Context, orderID string, gateway domain.Gateway, remoteIntentID, rawRef string) (*domain.Transaction, error) {
	var created *domain.Transaction
	err := l.store.RunInTx(ctx, orderID, func(ctx context.Context, tx ledger_repo.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.PaymentStatus != domain.PaymentStatusUnpaid || order.UnderReview() {
			return fmt.Errorf("%w: order %s is %s/%s", domain.ErrInvalidState, orderID, order.PaymentStatus, order.ReviewStatus)
		}
		if order.Gateway != gateway {
			return fmt.Errorf("%w: order %s belongs to gateway %s", domain.ErrInvalidState, orderID, order.Gateway)
		}
		if _, err := tx.GetTransactionByOrder(ctx, orderID); err == nil {
			return fmt.Errorf("%w: order %s already has a transaction", domain.ErrInvalidState, orderID)
		} else if !errors.Is(err, domain.ErrTransactionNotFound) {
			return err
		}

		now := l.now()
		created = &domain.Transaction{
			ID:             l.newID(),
			OrderID:        orderID,
			Gateway:        gateway,
			RemoteIntentID: remoteIntentID,
			Status:         domain.TransactionStatusCreated,
			Amount:         order.Total,
			Currency:       order.Currency,
			RawReference:   rawRef,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.CreateTransaction(ctx, created)
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("Transaction attached",
		zap.String("order_id", orderID),
		zap.String("transaction_id", created.ID),
		zap.String("remote_intent_id", remoteIntentID),
	)
	return created, nil
}

// BeginCapture marks the transaction as being captured. Calling it again is
// a no-op.
func (l *Ledger) BeginCapture(ctx context.Context, txID string) (Outcome, error) {
	return l.withTransaction(ctx, txID, func(ctx context.Context, tx ledger_repo.Tx, order *domain.Order, t *domain.Transaction) (Outcome, error) {
		if order.UnderReview() {
			return Outcome{Order: order, Transaction: t}, fmt.Errorf("%w: order %s is under review", domain.ErrInvalidState, order.ID)
		}
		moved, err := t.BeginCapture(l.now())
		if err != nil || !moved {
			return Outcome{Order: order, Transaction: t}, err
		}
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return Outcome{}, err
		}
		return Outcome{Order: order, Transaction: t, Changed: true}, nil
	})
}

// MarkCompleted settles the transaction with the captured amount. The order
// becomes PAID only when captured matches the order total exactly; any
// difference puts the order under review and returns ErrAmountMismatch.
func (l *Ledger) MarkCompleted(ctx context.Context, txID string, captured int64, currency string) (Outcome, error) {
	// reviewErr is reported to the caller after the escalation is committed.
	var reviewErr error
	outcome, err := l.withTransaction(ctx, txID, func(ctx context.Context, tx ledger_repo.Tx, order *domain.Order, t *domain.Transaction) (Outcome, error) {
		now := l.now()
		unchanged := Outcome{Order: order, Transaction: t}
		mismatch := !strings.EqualFold(currency, order.Currency) || captured != order.Total
		reason := fmt.Sprintf("captured %d %s, expected %d %s", captured, currency, order.Total, order.Currency)

		switch {
		case t.Status == domain.TransactionStatusCompleted:
			if t.CapturedAmount != captured {
				l.logger.Warn("Completion redelivered with a different amount",
					zap.String("transaction_id", t.ID),
					zap.Int64("recorded", t.CapturedAmount),
					zap.Int64("received", captured),
				)
			}
			return unchanged, nil
		case order.UnderReview():
			if mismatch {
				reviewErr = fmt.Errorf("%w: %s", domain.ErrAmountMismatch, reason)
			} else {
				reviewErr = fmt.Errorf("%w: order %s is under review", domain.ErrInvalidState, order.ID)
			}
			return unchanged, nil
		case t.Status == domain.TransactionStatusFailed || order.PaymentStatus != domain.PaymentStatusUnpaid:
			reviewErr = fmt.Errorf("%w: order %s is %s", domain.ErrInvalidState, order.ID, order.PaymentStatus)
			return l.flagForReview(ctx, tx, order, t,
				fmt.Sprintf("gateway reported success for %s order", strings.ToLower(string(order.PaymentStatus))), now)
		case mismatch:
			reviewErr = fmt.Errorf("%w: %s", domain.ErrAmountMismatch, reason)
			t.CapturedAmount = captured
			t.UpdatedAt = now
			if err := tx.UpdateTransaction(ctx, t); err != nil {
				return Outcome{}, err
			}
			return l.flagForReview(ctx, tx, order, t, reason, now)
		}

		if err := t.Complete(captured, now); err != nil {
			return Outcome{}, err
		}
		if err := order.MarkPaid(now); err != nil {
			return Outcome{}, err
		}
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return Outcome{}, err
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return Outcome{}, err
		}
		if err := l.enqueue(ctx, tx, order, t, domain.MessagePaymentStatusChanged, ""); err != nil {
			return Outcome{}, err
		}
		return Outcome{Order: order, Transaction: t, Changed: true}, nil
	})
	if err != nil {
		return outcome, err
	}
	if outcome.Granted() {
		l.logger.Info("Order paid",
			zap.String("order_id", outcome.Order.ID),
			zap.String("transaction_id", txID),
			zap.Int64("amount", captured),
		)
	}
	return outcome, reviewErr
}

func (l *Ledger) flagForReview(ctx context.Context, tx ledger_repo.Tx, order *domain.Order, t *domain.Transaction, reason string, now time.Time) (Outcome, error) {
	order.FlagForReview(reason, now)
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return Outcome{}, err
	}
	if err := l.enqueue(ctx, tx, order, t, domain.MessageOrderUnderReview, reason); err != nil {
		return Outcome{}, err
	}
	l.logger.Warn("Order flagged for review",
		zap.String("order_id", order.ID),
		zap.String("transaction_id", t.ID),
		zap.String("reason", reason),
	)
	return Outcome{Order: order, Transaction: t, Changed: true}, nil
}

// MarkFailed records a declined or cancelled payment. A completed
// transaction is never downgraded.
func (l *Ledger) MarkFailed(ctx context.Context, txID, reason string) (Outcome, error) {
	return l.withTransaction(ctx, txID, func(ctx context.Context, tx ledger_repo.Tx, order *domain.Order, t *domain.Transaction) (Outcome, error) {
		if t.IsTerminal() {
			if t.Status == domain.TransactionStatusCompleted {
				l.logger.Info("Ignoring failure for completed transaction",
					zap.String("transaction_id", t.ID),
					zap.String("reason", reason),
				)
			}
			return Outcome{Order: order, Transaction: t}, nil
		}

		now := l.now()
		if err := t.Fail(reason, now); err != nil {
			return Outcome{}, err
		}
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return Outcome{}, err
		}
		if order.PaymentStatus == domain.PaymentStatusUnpaid {
			if err := order.MarkFailed(reason, now); err != nil {
				return Outcome{}, err
			}
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return Outcome{}, err
			}
		}
		if err := l.enqueue(ctx, tx, order, t, domain.MessagePaymentStatusChanged, reason); err != nil {
			return Outcome{}, err
		}
		l.logger.Info("Payment failed",
			zap.String("order_id", order.ID),
			zap.String("transaction_id", t.ID),
			zap.String("reason", reason),
		)
		return Outcome{Order: order, Transaction: t, Changed: true}, nil
	})
}

// Refund moves a PAID order to REFUNDED and withdraws the entitlement.
func (l *Ledger) Refund(ctx context.Context, orderID, reason string) (Outcome, error) {
	var outcome Outcome
	err := l.store.RunInTx(ctx, orderID, func(ctx context.Context, tx ledger_repo.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := order.MarkRefunded(l.now()); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		t, err := tx.GetTransactionByOrder(ctx, orderID)
		if err != nil && !errors.Is(err, domain.ErrTransactionNotFound) {
			return err
		}
		if err := l.enqueue(ctx, tx, order, t, domain.MessagePaymentStatusChanged, reason); err != nil {
			return err
		}
		outcome = Outcome{Order: order, Transaction: t, Changed: true}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	l.logger.Info("Order refunded", zap.String("order_id", orderID), zap.String("reason", reason))
	return outcome, nil
}

// Abandon fails an UNPAID order that never reached a gateway. Orders that
// moved on in the meantime are left alone.
func (l *Ledger) Abandon(ctx context.Context, orderID, reason string) (Outcome, error) {
	var outcome Outcome
	err := l.store.RunInTx(ctx, orderID, func(ctx context.Context, tx ledger_repo.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		outcome = Outcome{Order: order}
		if order.PaymentStatus != domain.PaymentStatusUnpaid || order.UnderReview() {
			return nil
		}
		if _, err := tx.GetTransactionByOrder(ctx, orderID); err == nil {
			return nil
		} else if !errors.Is(err, domain.ErrTransactionNotFound) {
			return err
		}

		if err := order.MarkFailed(reason, l.now()); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if err := l.enqueue(ctx, tx, order, nil, domain.MessagePaymentStatusChanged, reason); err != nil {
			return err
		}
		outcome.Changed = true
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func (l *Ledger) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return l.store.GetOrder(ctx, orderID)
}

func (l *Ledger) GetTransactionByOrder(ctx context.Context, orderID string) (*domain.Transaction, error) {
	return l.store.GetTransactionByOrder(ctx, orderID)
}

func (l *Ledger) FindTransactionByIntent(ctx context.Context, gateway domain.Gateway, remoteIntentID string) (*domain.Transaction, error) {
	return l.store.FindTransactionByIntent(ctx, gateway, remoteIntentID)
}

func (l *Ledger) ListAbandonedOrders(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	return l.store.ListAbandonedOrders(ctx, l.now().Add(-olderThan), limit)
}

func (l *Ledger) ListStaleTransactions(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Transaction, error) {
	return l.store.ListStaleTransactions(ctx, l.now().Add(-olderThan), limit)
}

type txFunc func(ctx context.Context, tx ledger_repo.Tx, order *domain.Order, t *domain.Transaction) (Outcome, error)

// withTransaction resolves txID to its order, locks the order and hands the
// freshly read order and transaction to fn.
func (l *Ledger) withTransaction(ctx context.Context, txID string, fn txFunc) (Outcome, error) {
	current, err := l.store.GetTransaction(ctx, txID)
	if err != nil {
		return Outcome{}, err
	}

	var outcome Outcome
	err = l.store.RunInTx(ctx, current.OrderID, func(ctx context.Context, tx ledger_repo.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, current.OrderID)
		if err != nil {
			return err
		}
		t, err := tx.GetTransactionByOrder(ctx, current.OrderID)
		if err != nil {
			return err
		}
		var fnErr error
		outcome, fnErr = fn(ctx, tx, order, t)
		return fnErr
	})
	if err != nil {
		if outcome.Order != nil {
			return outcome, err
		}
		return Outcome{}, err
	}
	return outcome, nil
}

func (l *Ledger) enqueue(ctx context.Context, tx ledger_repo.Tx, order *domain.Order, t *domain.Transaction, messageType, reason string) error {
	event := domain.PaymentStatusUpdateEvent{
		OrderID:           order.ID,
		UserID:            order.UserID,
		Gateway:           order.Gateway,
		PaymentStatus:     order.PaymentStatus,
		FulfillmentStatus: order.FulfillmentStatus,
		ReviewStatus:      order.ReviewStatus,
		Amount:            order.Total,
		Currency:          order.Currency,
		Reason:            reason,
		Timestamp:         order.UpdatedAt,
	}
	if t != nil {
		event.TransactionID = t.ID
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	return tx.AddOutboxMessage(ctx, &domain.OutboxMessage{
		ID:            l.newID(),
		AggregateID:   order.ID,
		AggregateType: domain.AggregateOrder,
		MessageType:   messageType,
		Topic:         l.statusTopic,
		Key:           order.ID,
		Payload:       payload,
		Status:        domain.OutboxStatusPending,
		CreatedAt:     l.now(),
	})
}
