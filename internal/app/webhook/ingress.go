// Package webhook turns raw gateway deliveries into ledger updates.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"reconciler/internal/app/reconciliation"
	"reconciler/internal/domain"
	"reconciler/internal/gateway"
)

type Result string

const (
	Accepted Result = "accepted"
	Rejected Result = "rejected"
)

type ClientLookup interface {
	Lookup(name string) (gateway.Client, error)
}

type EventHandler interface {
	HandleGatewayEvent(ctx context.Context, ev *domain.GatewayEvent) (reconciliation.Disposition, error)
}

type Ingress struct {
	clients ClientLookup
	events  EventHandler
	logger  *zap.Logger
}

func NewIngress(clients ClientLookup, events EventHandler, logger *zap.Logger) *Ingress {
	return &Ingress{
		clients: clients,
		events:  events,
		logger:  logger.With(zap.String("component", "webhook_ingress")),
	}
}

// Receive verifies and applies one delivery. The signature is checked over
// rawBody exactly as received. A nil error means the delivery can be
// acknowledged; any returned error other than ErrUnknownGateway and
// ErrSignatureInvalid is transient and should make the gateway redeliver.
func (i *Ingress) Receive(ctx context.Context, gatewayName string, rawBody []byte, headers http.Header) (Result, error) {
	client, err := i.clients.Lookup(gatewayName)
	if err != nil {
		return Rejected, err
	}
	logger := i.logger.With(zap.String("gateway", string(client.Name())))

	if !client.VerifyWebhook(ctx, rawBody, headers) {
		logger.Warn("Rejected webhook with invalid signature",
			zap.Int("body_size", len(rawBody)),
		)
		return Rejected, fmt.Errorf("%w: %s", domain.ErrSignatureInvalid, client.Name())
	}

	ev, err := client.ParseEvent(rawBody)
	if err != nil {
		if errors.Is(err, gateway.ErrUnsupportedEvent) {
			logger.Debug("Acknowledging unsupported event", zap.Error(err))
		} else {
			logger.Warn("Acknowledging unparseable event", zap.Error(err))
		}
		return Accepted, nil
	}

	logger = logger.With(
		zap.String("event_id", ev.EventID),
		zap.String("event_type", ev.EventType),
		zap.String("remote_intent_id", ev.RemoteIntentID),
	)
	disposition, err := i.events.HandleGatewayEvent(ctx, ev)
	if err != nil {
		if reconciliation.IsPermanent(err) {
			logger.Warn("Acknowledging event the ledger rejected", zap.Error(err))
			return Accepted, nil
		}
		logger.Error("Failed to apply event", zap.Error(err))
		return Accepted, err
	}

	logger.Info("Webhook processed", zap.String("disposition", string(disposition)))
	return Accepted, nil
}
