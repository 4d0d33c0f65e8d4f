package wallet

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"reconciler/internal/domain"
	"reconciler/internal/gateway"
)

const (
	eventOrderApproved    = "CHECKOUT.ORDER.APPROVED"
	eventOrderVoided      = "CHECKOUT.ORDER.VOIDED"
	eventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"
	eventCaptureDenied    = "PAYMENT.CAPTURE.DENIED"
	eventCaptureDeclined  = "PAYMENT.CAPTURE.DECLINED"
)

type webhookEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

func (c *Client) ParseEvent(rawBody []byte) (*domain.GatewayEvent, error) {
	var we webhookEvent
	if err := json.Unmarshal(rawBody, &we); err != nil {
		return nil, fmt.Errorf("decode wallet webhook: %w", err)
	}

	var ev *domain.GatewayEvent
	switch we.EventType {
	case eventOrderApproved, eventOrderVoided:
		var wo walletOrder
		if err := json.Unmarshal(we.Resource, &wo); err != nil {
			return nil, fmt.Errorf("decode wallet order resource: %w", err)
		}
		if we.EventType == eventOrderApproved {
			wo.Status = "APPROVED"
		} else {
			wo.Status = "VOIDED"
		}
		var err error
		if ev, err = eventFromOrder(&wo); err != nil {
			return nil, err
		}
	case eventCaptureCompleted, eventCaptureDenied, eventCaptureDeclined:
		var cp capture
		if err := json.Unmarshal(we.Resource, &cp); err != nil {
			return nil, fmt.Errorf("decode wallet capture resource: %w", err)
		}
		ev = &domain.GatewayEvent{
			Gateway:        domain.GatewayWallet,
			RemoteIntentID: cp.SupplementaryData.RelatedIDs.OrderID,
			Currency:       strings.ToUpper(cp.Amount.CurrencyCode),
		}
		if we.EventType == eventCaptureCompleted {
			amount, err := domain.ParseMinor(cp.Amount.Value, cp.Amount.CurrencyCode)
			if err != nil {
				return nil, fmt.Errorf("wallet capture %s amount: %w", cp.ID, err)
			}
			ev.Outcome = domain.OutcomeSucceeded
			ev.Amount = amount
		} else {
			ev.Outcome = domain.OutcomeFailed
			ev.Reason = strings.ToLower(we.EventType)
			if cp.StatusDetails != nil {
				ev.Reason = cp.StatusDetails.Reason
			}
		}
	default:
		return nil, fmt.Errorf("%w: wallet %s", gateway.ErrUnsupportedEvent, we.EventType)
	}

	if ev.RemoteIntentID == "" {
		return nil, fmt.Errorf("wallet webhook %s does not reference an order", we.ID)
	}
	ev.EventID = we.ID
	ev.EventType = we.EventType
	if ts, err := time.Parse(time.RFC3339, we.CreateTime); err == nil {
		ev.OccurredAt = ts.UTC()
	}
	return ev, nil
}
