package orders_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"reconciler/internal/domain"
)

type OrderRepository struct{}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{}
}

func (r *OrderRepository) CreateTx(ctx context.Context, querier domain.Querier, order *domain.Order) error {
	query := `
		INSERT INTO orders (id, user_id, total, currency, gateway, payment_status, fulfillment_status,
		                    review_status, review_reason, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := querier.ExecContext(ctx, query,
		order.ID,
		order.UserID,
		order.Total,
		order.Currency,
		order.Gateway,
		order.PaymentStatus,
		order.FulfillmentStatus,
		order.ReviewStatus,
		order.ReviewReason,
		order.FailureReason,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order %s: %w", order.ID, err)
	}

	itemQuery := `
		INSERT INTO order_items (order_id, position, product_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5)
	`
	for i, item := range order.Items {
		if _, err := querier.ExecContext(ctx, itemQuery, order.ID, i, item.ProductID, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("failed to create item %s of order %s: %w", item.ProductID, order.ID, err)
		}
	}
	return nil
}

// GetByIDTx loads an order with its items. With forUpdate the order row stays
// locked until the surrounding transaction ends.
func (r *OrderRepository) GetByIDTx(ctx context.Context, querier domain.Querier, id string, forUpdate bool) (*domain.Order, error) {
	query := `
		SELECT id, user_id, total, currency, gateway, payment_status, fulfillment_status,
		       review_status, review_reason, failure_reason, created_at, updated_at
		FROM orders
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}
	order := &domain.Order{}
	err := querier.QueryRowContext(ctx, query, id).Scan(
		&order.ID,
		&order.UserID,
		&order.Total,
		&order.Currency,
		&order.Gateway,
		&order.PaymentStatus,
		&order.FulfillmentStatus,
		&order.ReviewStatus,
		&order.ReviewReason,
		&order.FailureReason,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	order.Currency = strings.TrimSpace(order.Currency)

	items, err := r.getItems(ctx, querier, id)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (r *OrderRepository) getItems(ctx context.Context, querier domain.Querier, orderID string) ([]domain.LineItem, error) {
	query := `
		SELECT product_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`
	rows, err := querier.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get items of order %s: %w", orderID, err)
	}
	defer rows.Close()

	var items []domain.LineItem
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order items: %w", err)
	}
	return items, nil
}

// UpdateTx persists the mutable status columns. Items and total never change
// after creation.
func (r *OrderRepository) UpdateTx(ctx context.Context, querier domain.Querier, order *domain.Order) error {
	query := `
		UPDATE orders
		SET payment_status = $1, fulfillment_status = $2, review_status = $3,
		    review_reason = $4, failure_reason = $5, updated_at = $6
		WHERE id = $7
	`
	res, err := querier.ExecContext(ctx, query,
		order.PaymentStatus,
		order.FulfillmentStatus,
		order.ReviewStatus,
		order.ReviewReason,
		order.FailureReason,
		order.UpdatedAt,
		order.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", order.ID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for order %s: %w", order.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, order.ID)
	}
	return nil
}

// ListAbandoned returns UNPAID orders created before cutoff that never got a
// transaction.
func (r *OrderRepository) ListAbandoned(ctx context.Context, querier domain.Querier, cutoff time.Time, limit int) ([]string, error) {
	query := `
		SELECT o.id
		FROM orders o
		WHERE o.payment_status = $1
		  AND o.review_status = $2
		  AND o.created_at < $3
		  AND NOT EXISTS (SELECT 1 FROM transactions t WHERE t.order_id = o.id)
		ORDER BY o.created_at
		LIMIT $4
	`
	rows, err := querier.QueryContext(ctx, query, domain.PaymentStatusUnpaid, domain.ReviewNone, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned orders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating abandoned orders: %w", err)
	}
	return ids, nil
}
