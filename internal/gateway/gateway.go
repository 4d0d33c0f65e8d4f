// Package gateway defines the contract every payment provider adapter
// implements and the plumbing they share.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"reconciler/internal/domain"
)

// ErrUnsupportedEvent is returned by ParseEvent for verified deliveries the
// service does not act on.
var ErrUnsupportedEvent = errors.New("unsupported gateway event")

type RemoteIntent struct {
	ID     string
	Handle domain.PaymentHandle
	Status string
	// Raw is the provider response, kept for audit only.
	Raw string
}

type CaptureStatus string

const (
	CaptureCompleted CaptureStatus = "COMPLETED"
	CaptureFailed    CaptureStatus = "FAILED"
	CapturePending   CaptureStatus = "PENDING"
)

type CaptureResult struct {
	Status         CaptureStatus `json:"status"`
	CapturedAmount int64         `json:"captured_amount"`
	Currency       string        `json:"currency"`
	CaptureID      string        `json:"capture_id,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}

// Client is a stateless adapter for one provider.
type Client interface {
	Name() domain.Gateway
	CreateIntent(ctx context.Context, order *domain.Order) (*RemoteIntent, error)
	// Capture must be safe to call more than once for the same intent.
	Capture(ctx context.Context, remoteIntentID string) (*CaptureResult, error)
	// Retrieve maps the current remote state onto a normalized event.
	Retrieve(ctx context.Context, remoteIntentID string) (*domain.GatewayEvent, error)
	// VerifyWebhook checks the signature over the raw, unparsed body and
	// returns false whenever verification cannot be completed.
	VerifyWebhook(ctx context.Context, rawBody []byte, headers http.Header) bool
	ParseEvent(rawBody []byte) (*domain.GatewayEvent, error)
}

type Registry struct {
	clients map[domain.Gateway]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[domain.Gateway]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

func (r *Registry) Get(g domain.Gateway) (Client, error) {
	c, ok := r.clients[g]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownGateway, g)
	}
	return c, nil
}

// Lookup resolves a gateway by its external name, e.g. a webhook path segment.
func (r *Registry) Lookup(name string) (Client, error) {
	g, err := domain.ParseGateway(name)
	if err != nil {
		return nil, err
	}
	return r.Get(g)
}

// SupportsCurrency reports whether currency is in the allowed list.
func SupportsCurrency(allowed []string, currency string) bool {
	for _, c := range allowed {
		if c == currency {
			return true
		}
	}
	return false
}

// ValidateAmount applies the checks every provider performs before an
// intent is requested.
func ValidateAmount(order *domain.Order, allowed []string, g domain.Gateway) error {
	if order.Total <= 0 {
		return fmt.Errorf("%w: order %s total %d", domain.ErrInvalidAmount, order.ID, order.Total)
	}
	if !SupportsCurrency(allowed, order.Currency) {
		return fmt.Errorf("%w: currency %s not supported by %s gateway", domain.ErrInvalidAmount, order.Currency, g)
	}
	return nil
}
