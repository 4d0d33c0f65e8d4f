package domain

import (
	"fmt"
	"time"
)

type PaymentStatus string

const (
	PaymentStatusUnpaid   PaymentStatus = "UNPAID"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

type FulfillmentStatus string

const (
	FulfillmentNone    FulfillmentStatus = "NONE"
	FulfillmentGranted FulfillmentStatus = "GRANTED"
)

type ReviewStatus string

const (
	ReviewNone        ReviewStatus = "NONE"
	ReviewUnderReview ReviewStatus = "UNDER_REVIEW"
)

// paymentTransitions is the complete order payment graph. Anything not
// listed here is rejected.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusUnpaid: {PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusPaid:   {PaymentStatusRefunded},
}

// CanTransition reports whether from -> to is an edge of the payment graph.
func CanTransition(from, to PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LineItem is an ordered product with its price captured at order time.
type LineItem struct {
	ProductID string
	Quantity  int
	UnitPrice int64
}

type Order struct {
	ID                string
	UserID            string
	Items             []LineItem
	Total             int64
	Currency          string
	Gateway           Gateway
	PaymentStatus     PaymentStatus
	FulfillmentStatus FulfillmentStatus
	ReviewStatus      ReviewStatus
	ReviewReason      string
	FailureReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewOrder builds an UNPAID order and computes its total from the snapshot
// prices of items.
func NewOrder(id, userID string, gateway Gateway, currency string, items []LineItem, now time.Time) (*Order, error) {
	if id == "" || userID == "" {
		return nil, fmt.Errorf("%w: order id and user id are required", ErrValidation)
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, item := range items {
		line, err := LineTotal(item.UnitPrice, item.Quantity)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", item.ProductID, err)
		}
		if total, err = addMinor(total, line); err != nil {
			return nil, err
		}
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: order total must be positive", ErrInvalidAmount)
	}

	return &Order{
		ID:                id,
		UserID:            userID,
		Items:             items,
		Total:             total,
		Currency:          cur,
		Gateway:           gateway,
		PaymentStatus:     PaymentStatusUnpaid,
		FulfillmentStatus: FulfillmentNone,
		ReviewStatus:      ReviewNone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (o *Order) IsTerminal() bool {
	return o.PaymentStatus != PaymentStatusUnpaid
}

func (o *Order) UnderReview() bool {
	return o.ReviewStatus == ReviewUnderReview
}

func (o *Order) transition(to PaymentStatus, now time.Time) error {
	if !CanTransition(o.PaymentStatus, to) {
		return fmt.Errorf("%w: order %s %s -> %s", ErrInvalidState, o.ID, o.PaymentStatus, to)
	}
	o.PaymentStatus = to
	o.UpdatedAt = now
	return nil
}

// MarkPaid moves the order to PAID, which is what grants the entitlement.
func (o *Order) MarkPaid(now time.Time) error {
	if err := o.transition(PaymentStatusPaid, now); err != nil {
		return err
	}
	o.FulfillmentStatus = FulfillmentGranted
	return nil
}

func (o *Order) MarkFailed(reason string, now time.Time) error {
	if err := o.transition(PaymentStatusFailed, now); err != nil {
		return err
	}
	o.FailureReason = reason
	return nil
}

// MarkRefunded withdraws the entitlement; a refunded order never becomes
// payable or grantable again.
func (o *Order) MarkRefunded(now time.Time) error {
	if err := o.transition(PaymentStatusRefunded, now); err != nil {
		return err
	}
	o.FulfillmentStatus = FulfillmentNone
	return nil
}

// FlagForReview escalates the order to operators without touching its
// payment status.
func (o *Order) FlagForReview(reason string, now time.Time) {
	o.ReviewStatus = ReviewUnderReview
	o.ReviewReason = reason
	o.UpdatedAt = now
}
