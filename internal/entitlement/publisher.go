// Package entitlement notifies the delivery service that an order's content
// may be unlocked.
package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"reconciler/internal/domain"
	kafka_infra "reconciler/internal/infrastructure/kafka"
)

// Publisher emits EntitlementGrantedEvent messages keyed by order id.
type Publisher struct {
	producer kafka_infra.Producer
	topic    string
	now      func() time.Time
	logger   *zap.Logger
}

func NewPublisher(producer kafka_infra.Producer, topic string, logger *zap.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

func (p *Publisher) Grant(ctx context.Context, userID, orderID string) error {
	payload, err := json.Marshal(domain.EntitlementGrantedEvent{
		OrderID:   orderID,
		UserID:    userID,
		GrantedAt: p.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement event: %w", err)
	}
	if err := p.producer.Produce(ctx, orderID, p.topic, payload); err != nil {
		return fmt.Errorf("failed to publish entitlement for order %s: %w", orderID, err)
	}
	p.logger.Info("Entitlement granted", zap.String("order_id", orderID), zap.String("user_id", userID))
	return nil
}
