// Package card is the adapter for the card-processor gateway. Intents are
// created with manual capture; webhooks are signed with HMAC-SHA256.
package card

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"reconciler/internal/domain"
	"reconciler/internal/gateway"
)

const idempotencyHeader = "Idempotency-Key"

type Config struct {
	SecretKey string
	// WebhookSecrets holds every endpoint secret currently accepted, so
	// secrets can be rotated without dropping deliveries.
	WebhookSecrets []string
	Currencies     []string
	Tolerance      time.Duration
}

type Client struct {
	cfg       Config
	transport *gateway.Transport
	now       func() time.Time
	logger    *zap.Logger
}

func NewClient(cfg Config, transport *gateway.Transport, logger *zap.Logger) *Client {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	return &Client{cfg: cfg, transport: transport, now: time.Now, logger: logger}
}

func (c *Client) Name() domain.Gateway {
	return domain.GatewayCard
}

type paymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type paymentIntent struct {
	ID                 string        `json:"id"`
	Amount             int64         `json:"amount"`
	AmountCapturable   int64         `json:"amount_capturable"`
	AmountReceived     int64         `json:"amount_received"`
	Currency           string        `json:"currency"`
	Status             string        `json:"status"`
	ClientSecret       string        `json:"client_secret"`
	CancellationReason string        `json:"cancellation_reason"`
	LastPaymentError   *paymentError `json:"last_payment_error"`
	Metadata           struct {
		OrderID string `json:"order_id"`
	} `json:"metadata"`
}

func (c *Client) headers(idempotencyKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	h.Set("Accept", "application/json")
	if idempotencyKey != "" {
		h.Set(idempotencyHeader, idempotencyKey)
	}
	return h
}

func (c *Client) CreateIntent(ctx context.Context, order *domain.Order) (*gateway.RemoteIntent, error) {
	if err := gateway.ValidateAmount(order, c.cfg.Currencies, c.Name()); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(order.Total, 10))
	form.Set("currency", strings.ToLower(order.Currency))
	form.Set("capture_method", "manual")
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[order_id]", order.ID)
	form.Set("metadata[user_id]", order.UserID)

	h := c.headers("intent-" + order.ID)
	h.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.transport.Do(ctx, http.MethodPost, "/v1/payment_intents", []byte(form.Encode()), h)
	if err != nil {
		return nil, fmt.Errorf("create payment intent for order %s: %w", order.ID, err)
	}

	var pi paymentIntent
	if err := json.Unmarshal(resp.Body, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	if pi.ID == "" || pi.ClientSecret == "" {
		return nil, fmt.Errorf("card gateway returned an intent without id or client secret")
	}

	c.logger.Info("Card payment intent created",
		zap.String("order_id", order.ID),
		zap.String("remote_intent_id", pi.ID),
		zap.String("status", pi.Status),
	)
	return &gateway.RemoteIntent{
		ID:     pi.ID,
		Handle: domain.PaymentHandle{Kind: domain.HandleClientSecret, Value: pi.ClientSecret},
		Status: pi.Status,
		Raw:    string(resp.Body),
	}, nil
}

func (c *Client) Capture(ctx context.Context, remoteIntentID string) (*gateway.CaptureResult, error) {
	h := c.headers("capture-" + remoteIntentID)
	h.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.transport.Do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(remoteIntentID)+"/capture", []byte{}, h)
	if err != nil {
		var apiErr *gateway.APIError
		if !errors.As(err, &apiErr) {
			return nil, fmt.Errorf("capture %s: %w", remoteIntentID, err)
		}
		switch apiErr.StatusCode {
		case http.StatusPaymentRequired:
			return &gateway.CaptureResult{Status: gateway.CaptureFailed, Reason: decodeErrorMessage(apiErr.Body)}, nil
		case http.StatusBadRequest:
			// already captured or cancelled: report what the intent says now
			return c.captureFromCurrentState(ctx, remoteIntentID, err)
		}
		return nil, fmt.Errorf("capture %s: %w", remoteIntentID, err)
	}

	var pi paymentIntent
	if err := json.Unmarshal(resp.Body, &pi); err != nil {
		return nil, fmt.Errorf("decode captured intent: %w", err)
	}
	return captureResultFrom(&pi), nil
}

func (c *Client) captureFromCurrentState(ctx context.Context, remoteIntentID string, cause error) (*gateway.CaptureResult, error) {
	ev, err := c.Retrieve(ctx, remoteIntentID)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", remoteIntentID, cause)
	}
	switch ev.Outcome {
	case domain.OutcomeSucceeded:
		return &gateway.CaptureResult{Status: gateway.CaptureCompleted, CapturedAmount: ev.Amount, Currency: ev.Currency}, nil
	case domain.OutcomeFailed:
		return &gateway.CaptureResult{Status: gateway.CaptureFailed, Currency: ev.Currency, Reason: ev.Reason}, nil
	}
	return nil, fmt.Errorf("capture %s: %w", remoteIntentID, cause)
}

func captureResultFrom(pi *paymentIntent) *gateway.CaptureResult {
	res := &gateway.CaptureResult{Currency: strings.ToUpper(pi.Currency), CaptureID: pi.ID}
	switch pi.Status {
	case "succeeded":
		res.Status = gateway.CaptureCompleted
		res.CapturedAmount = pi.AmountReceived
	case "canceled":
		res.Status = gateway.CaptureFailed
		res.Reason = pi.CancellationReason
	default:
		res.Status = gateway.CapturePending
	}
	return res
}

func (c *Client) Retrieve(ctx context.Context, remoteIntentID string) (*domain.GatewayEvent, error) {
	resp, err := c.transport.Do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(remoteIntentID), nil, c.headers(""))
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", remoteIntentID, err)
	}
	var pi paymentIntent
	if err := json.Unmarshal(resp.Body, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	ev := eventFromIntent(&pi)
	ev.EventType = "poll." + pi.Status
	ev.OccurredAt = c.now()
	return ev, nil
}

func eventFromIntent(pi *paymentIntent) *domain.GatewayEvent {
	ev := &domain.GatewayEvent{
		Gateway:        domain.GatewayCard,
		RemoteIntentID: pi.ID,
		Currency:       strings.ToUpper(pi.Currency),
		Outcome:        domain.OutcomePending,
	}
	switch {
	case pi.Status == "succeeded":
		ev.Outcome = domain.OutcomeSucceeded
		ev.Amount = pi.AmountReceived
	case pi.Status == "requires_capture":
		ev.Outcome = domain.OutcomeApproved
		ev.Amount = pi.AmountCapturable
	case pi.Status == "canceled":
		ev.Outcome = domain.OutcomeFailed
		ev.Reason = "canceled: " + pi.CancellationReason
	case pi.Status == "requires_payment_method" && pi.LastPaymentError != nil:
		ev.Outcome = domain.OutcomeFailed
		ev.Reason = pi.LastPaymentError.Message
	}
	return ev
}

func decodeErrorMessage(body string) string {
	var envelope struct {
		Error paymentError `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil || envelope.Error.Message == "" {
		return body
	}
	return envelope.Error.Message
}
