package domain

import (
	"fmt"
	"strings"
	"time"
)

// Gateway tags which provider adapter handles an order.
type Gateway string

const (
	GatewayCard   Gateway = "card"
	GatewayWallet Gateway = "wallet"
)

func ParseGateway(name string) (Gateway, error) {
	switch g := Gateway(strings.ToLower(strings.TrimSpace(name))); g {
	case GatewayCard, GatewayWallet:
		return g, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownGateway, name)
	}
}

type EventOutcome string

const (
	OutcomeSucceeded EventOutcome = "SUCCEEDED"
	OutcomeFailed    EventOutcome = "FAILED"
	// OutcomeApproved means the payer authorised the payment and the
	// funds still have to be captured.
	OutcomeApproved EventOutcome = "APPROVED"
	OutcomePending  EventOutcome = "PENDING"
)

// GatewayEvent is the provider-independent shape of a webhook delivery or a
// polled remote status.
type GatewayEvent struct {
	Gateway        Gateway
	EventID        string
	EventType      string
	RemoteIntentID string
	Outcome        EventOutcome
	Amount         int64
	Currency       string
	Reason         string
	OccurredAt     time.Time
}

// PaymentHandle is what the client needs to finish payment on the
// gateway's side.
type PaymentHandle struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

const (
	HandleClientSecret = "client_secret"
	HandleApprovalLink = "approval_link"
)
