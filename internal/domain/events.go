package domain

import "time"

// PaymentStatusUpdateEvent is published for every ledger status change.
type PaymentStatusUpdateEvent struct {
	OrderID           string            `json:"order_id"`
	UserID            string            `json:"user_id"`
	TransactionID     string            `json:"transaction_id,omitempty"`
	Gateway           Gateway           `json:"gateway"`
	PaymentStatus     PaymentStatus     `json:"payment_status"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`
	ReviewStatus      ReviewStatus      `json:"review_status"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Reason            string            `json:"reason,omitempty"`
	Timestamp         time.Time         `json:"timestamp"`
}

// EntitlementGrantedEvent tells the delivery service to unlock downloads.
type EntitlementGrantedEvent struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	GrantedAt time.Time `json:"granted_at"`
}

// RefundRequestedEvent is consumed from the back-office refund topic.
type RefundRequestedEvent struct {
	RequestID   string `json:"request_id"`
	OrderID     string `json:"order_id"`
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}
