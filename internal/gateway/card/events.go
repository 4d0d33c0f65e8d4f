package card

import (
	"encoding/json"
	"fmt"
	"time"

	"reconciler/internal/domain"
	"reconciler/internal/gateway"
)

const (
	eventSucceeded         = "payment_intent.succeeded"
	eventPaymentFailed     = "payment_intent.payment_failed"
	eventCanceled          = "payment_intent.canceled"
	eventCapturableUpdated = "payment_intent.amount_capturable_updated"
)

type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object paymentIntent `json:"object"`
	} `json:"data"`
}

// ParseEvent normalizes a verified webhook body. The outcome follows the
// event type, not the embedded object status, because the object is a
// snapshot taken when the event was emitted.
func (c *Client) ParseEvent(rawBody []byte) (*domain.GatewayEvent, error) {
	var we webhookEvent
	if err := json.Unmarshal(rawBody, &we); err != nil {
		return nil, fmt.Errorf("decode card webhook: %w", err)
	}
	pi := &we.Data.Object
	if pi.ID == "" {
		return nil, fmt.Errorf("card webhook %s has no payment intent", we.ID)
	}

	ev := eventFromIntent(pi)
	ev.EventID = we.ID
	ev.EventType = we.Type
	ev.OccurredAt = time.Unix(we.Created, 0).UTC()

	switch we.Type {
	case eventSucceeded:
		ev.Outcome = domain.OutcomeSucceeded
		ev.Amount = pi.AmountReceived
	case eventPaymentFailed:
		ev.Outcome = domain.OutcomeFailed
		if pi.LastPaymentError != nil {
			ev.Reason = pi.LastPaymentError.Message
		}
	case eventCanceled:
		ev.Outcome = domain.OutcomeFailed
		ev.Reason = "canceled: " + pi.CancellationReason
	case eventCapturableUpdated:
		ev.Outcome = domain.OutcomeApproved
		ev.Amount = pi.AmountCapturable
	default:
		return nil, fmt.Errorf("%w: card %s", gateway.ErrUnsupportedEvent, we.Type)
	}
	return ev, nil
}
