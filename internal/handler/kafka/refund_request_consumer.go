package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"reconciler/internal/domain"
	"reconciler/internal/idempotency"
	kafka_infra "reconciler/internal/infrastructure/kafka"
	"reconciler/internal/ledger"
)

type Refunder interface {
	Refund(ctx context.Context, orderID, reason string) (ledger.Outcome, error)
}

// RefundRequestMessageHandler applies back-office refund commands. Each
// request_id is applied at most once; requests the ledger rejects are
// acknowledged and recorded so they are not retried.
func RefundRequestMessageHandler(refunds Refunder, store idempotency.Store, logger *zap.Logger) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var req domain.RefundRequestedEvent
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			logger.Error("Failed to unmarshal Kafka message value to RefundRequestedEvent",
				zap.Error(err),
				zap.ByteString("value", msg.Value),
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}
		if req.RequestID == "" || req.OrderID == "" {
			logger.Error("Refund request without request_id or order_id, skipping",
				zap.Int64("offset", msg.Offset),
				zap.String("request_id", req.RequestID),
			)
			return nil
		}

		logger := logger.With(
			zap.String("request_id", req.RequestID),
			zap.String("order_id", req.OrderID),
			zap.String("requested_by", req.RequestedBy),
		)
		key := "refund:" + req.RequestID

		reservation, err := store.Reserve(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to reserve refund request %s: %w", req.RequestID, err)
		}
		if reservation.AlreadyExists {
			logger.Info("Refund request already handled", zap.ByteString("result", reservation.PriorResult))
			return nil
		}

		reason := req.Reason
		if reason == "" {
			reason = "back-office refund " + req.RequestID
		}
		_, err = refunds.Refund(ctx, req.OrderID, reason)
		switch {
		case err == nil:
			logger.Info("Refund request applied")
			return save(ctx, store, key, "refunded", logger)
		case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrOrderNotFound):
			logger.Warn("Refund request rejected by ledger", zap.Error(err))
			return save(ctx, store, key, "rejected: "+err.Error(), logger)
		default:
			if releaseErr := store.Release(ctx, key); releaseErr != nil {
				logger.Error("Failed to release refund request", zap.Error(releaseErr))
			}
			return fmt.Errorf("failed to refund order %s: %w", req.OrderID, err)
		}
	}
}

func save(ctx context.Context, store idempotency.Store, key, result string, logger *zap.Logger) error {
	if err := store.Save(ctx, key, []byte(result)); err != nil {
		// the ledger change is committed; a redelivery is rejected by the state machine
		logger.Error("Failed to record refund request result", zap.Error(err))
	}
	return nil
}
