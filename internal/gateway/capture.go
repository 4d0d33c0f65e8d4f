package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"reconciler/internal/idempotency"
)

// idempotentClient records capture outcomes so a repeated Capture for the
// same intent returns the first result without calling the provider again.
type idempotentClient struct {
	Client
	store  idempotency.Store
	logger *zap.Logger
}

func WithIdempotentCapture(c Client, store idempotency.Store, logger *zap.Logger) Client {
	return &idempotentClient{Client: c, store: store, logger: logger}
}

func captureKey(c Client, remoteIntentID string) string {
	return fmt.Sprintf("capture:%s:%s", c.Name(), remoteIntentID)
}

func (c *idempotentClient) Capture(ctx context.Context, remoteIntentID string) (*CaptureResult, error) {
	key := captureKey(c.Client, remoteIntentID)

	reservation, err := c.store.Reserve(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve capture of %s: %w", remoteIntentID, err)
	}
	if reservation.AlreadyExists {
		var prior CaptureResult
		if err := json.Unmarshal(reservation.PriorResult, &prior); err != nil {
			return nil, fmt.Errorf("failed to decode cached capture of %s: %w", remoteIntentID, err)
		}
		c.logger.Info("Returning cached capture result",
			zap.String("gateway", string(c.Name())),
			zap.String("remote_intent_id", remoteIntentID),
			zap.String("status", string(prior.Status)),
		)
		return &prior, nil
	}

	result, err := c.Client.Capture(ctx, remoteIntentID)
	if err != nil || result.Status == CapturePending {
		if relErr := c.store.Release(ctx, key); relErr != nil {
			c.logger.Error("Failed to release capture reservation", zap.String("key", key), zap.Error(relErr))
		}
		return result, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode capture result: %w", err)
	}
	if err := c.store.Save(ctx, key, payload); err != nil {
		// the capture itself succeeded; the provider-side idempotency key
		// still protects a retry
		c.logger.Error("Failed to store capture result", zap.String("key", key), zap.Error(err))
	}
	return result, nil
}
