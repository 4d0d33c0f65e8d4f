package transactions_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"reconciler/internal/domain"
)

type TransactionRepository struct{}

func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{}
}

const selectColumns = `
	SELECT id, order_id, gateway, remote_intent_id, status, amount, currency, captured_amount,
	       failure_reason, raw_reference, completed_at, created_at, updated_at
	FROM transactions
`

func (r *TransactionRepository) CreateTx(ctx context.Context, querier domain.Querier, t *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, order_id, gateway, remote_intent_id, status, amount, currency,
		                          captured_amount, failure_reason, raw_reference, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := querier.ExecContext(ctx, query,
		t.ID,
		t.OrderID,
		t.Gateway,
		t.RemoteIntentID,
		t.Status,
		t.Amount,
		t.Currency,
		t.CapturedAmount,
		t.FailureReason,
		t.RawReference,
		nullTime(t.CompletedAt),
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: order %s already has a transaction or intent %s is taken", domain.ErrInvalidState, t.OrderID, t.RemoteIntentID)
		}
		return fmt.Errorf("failed to create transaction for order %s: %w", t.OrderID, err)
	}
	return nil
}

func (r *TransactionRepository) GetByIDTx(ctx context.Context, querier domain.Querier, id string) (*domain.Transaction, error) {
	return r.getOne(ctx, querier, selectColumns+" WHERE id = $1", id)
}

func (r *TransactionRepository) GetByOrderIDTx(ctx context.Context, querier domain.Querier, orderID string) (*domain.Transaction, error) {
	return r.getOne(ctx, querier, selectColumns+" WHERE order_id = $1", orderID)
}

func (r *TransactionRepository) GetByIntentTx(ctx context.Context, querier domain.Querier, gateway domain.Gateway, remoteIntentID string) (*domain.Transaction, error) {
	return r.getOne(ctx, querier, selectColumns+" WHERE gateway = $1 AND remote_intent_id = $2", gateway, remoteIntentID)
}

func (r *TransactionRepository) getOne(ctx context.Context, querier domain.Querier, query string, args ...any) (*domain.Transaction, error) {
	t, err := scanTransaction(querier.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransactionNotFound, args)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	var completedAt sql.NullTime
	err := row.Scan(
		&t.ID,
		&t.OrderID,
		&t.Gateway,
		&t.RemoteIntentID,
		&t.Status,
		&t.Amount,
		&t.Currency,
		&t.CapturedAmount,
		&t.FailureReason,
		&t.RawReference,
		&completedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Currency = strings.TrimSpace(t.Currency)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (r *TransactionRepository) UpdateTx(ctx context.Context, querier domain.Querier, t *domain.Transaction) error {
	query := `
		UPDATE transactions
		SET status = $1, captured_amount = $2, failure_reason = $3, completed_at = $4, updated_at = $5
		WHERE id = $6
	`
	res, err := querier.ExecContext(ctx, query,
		t.Status,
		t.CapturedAmount,
		t.FailureReason,
		nullTime(t.CompletedAt),
		t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %s: %w", t.ID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for transaction %s: %w", t.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, t.ID)
	}
	return nil
}

// ListStale returns open transactions not touched since cutoff whose order is
// still waiting for payment and not held for review.
func (r *TransactionRepository) ListStale(ctx context.Context, querier domain.Querier, cutoff time.Time, limit int) ([]*domain.Transaction, error) {
	query := `
		SELECT t.id, t.order_id, t.gateway, t.remote_intent_id, t.status, t.amount, t.currency, t.captured_amount,
		       t.failure_reason, t.raw_reference, t.completed_at, t.created_at, t.updated_at
		FROM transactions t
		JOIN orders o ON o.id = t.order_id
		WHERE t.status IN ($1, $2)
		  AND t.updated_at < $3
		  AND o.payment_status = $4
		  AND o.review_status = $5
		ORDER BY t.updated_at
		LIMIT $6
	`
	rows, err := querier.QueryContext(ctx, query,
		domain.TransactionStatusCreated,
		domain.TransactionStatusCapturing,
		cutoff,
		domain.PaymentStatusUnpaid,
		domain.ReviewNone,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale transactions: %w", err)
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
