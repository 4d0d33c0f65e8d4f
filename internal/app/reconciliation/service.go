// Package reconciliation drives orders from checkout to a settled ledger
// state. Webhooks, client polls and the background sweep all converge on
// the same apply path, guarded by the idempotency store and the ledger's
// per-order lock.
package reconciliation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"reconciler/internal/domain"
	"reconciler/internal/gateway"
	"reconciler/internal/idempotency"
	"reconciler/internal/ledger"
)

type OrderLedger interface {
	CreateOrder(ctx context.Context, userID string, items []domain.CartItem, gateway domain.Gateway) (*domain.Order, error)
	AttachTransaction(ctx context.Context, orderID string, gateway domain.Gateway, remoteIntentID, rawRef string) (*domain.Transaction, error)
	BeginCapture(ctx context.Context, txID string) (ledger.Outcome, error)
	MarkCompleted(ctx context.Context, txID string, captured int64, currency string) (ledger.Outcome, error)
	MarkFailed(ctx context.Context, txID, reason string) (ledger.Outcome, error)
	Refund(ctx context.Context, orderID, reason string) (ledger.Outcome, error)
	Abandon(ctx context.Context, orderID, reason string) (ledger.Outcome, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	GetTransactionByOrder(ctx context.Context, orderID string) (*domain.Transaction, error)
	FindTransactionByIntent(ctx context.Context, gateway domain.Gateway, remoteIntentID string) (*domain.Transaction, error)
	ListAbandonedOrders(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
	ListStaleTransactions(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Transaction, error)
}

// Entitlements unlocks purchased content. Grant is called once per order,
// by whichever path observes the order becoming PAID.
type Entitlements interface {
	Grant(ctx context.Context, userID, orderID string) error
}

// Gateways resolves the client for an order's gateway tag.
type Gateways interface {
	Get(g domain.Gateway) (gateway.Client, error)
}

type Options struct {
	AbandonAfter time.Duration
	StaleAfter   time.Duration
	SweepBatch   int
	// RefreshTimeout bounds a gateway refresh shared by concurrent polls.
	RefreshTimeout time.Duration
}

const defaultRefreshTimeout = 30 * time.Second

type CheckoutResult struct {
	OrderID       string               `json:"orderId"`
	Gateway       domain.Gateway       `json:"gateway"`
	Total         int64                `json:"total"`
	Currency      string               `json:"currency"`
	PaymentHandle domain.PaymentHandle `json:"paymentHandle"`
}

// checkoutRecord is what the idempotency store keeps for a checkout key.
// Result is nil while the gateway intent has not been attached yet.
type checkoutRecord struct {
	OrderID string          `json:"order_id"`
	Result  *CheckoutResult `json:"result,omitempty"`
}

// Disposition says what HandleGatewayEvent did with an event.
type Disposition string

const (
	DispositionApplied   Disposition = "applied"
	DispositionDuplicate Disposition = "duplicate"
	DispositionIgnored   Disposition = "ignored"
)

type Service struct {
	ledger       OrderLedger
	gateways     Gateways
	idempotency  idempotency.Store
	entitlements Entitlements
	opts         Options
	polls        singleflight.Group
	logger       *zap.Logger
}

func NewService(
	l OrderLedger,
	gateways Gateways,
	store idempotency.Store,
	entitlements Entitlements,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	return &Service{
		ledger:       l,
		gateways:     gateways,
		idempotency:  store,
		entitlements: entitlements,
		opts:         opts,
		logger:       logger,
	}
}

// CheckoutKey identifies a checkout attempt by user, normalized cart and
// gateway, so a retried submission maps to the same order.
func CheckoutKey(userID string, items []domain.CartItem, g domain.Gateway) (string, error) {
	merged, err := ledger.MergeCart(items)
	if err != nil {
		return "", err
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })

	var b strings.Builder
	b.WriteString(string(g))
	for _, item := range merged {
		b.WriteByte('|')
		b.WriteString(item.ProductID)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(item.Quantity))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("checkout:%s:%s", userID, hex.EncodeToString(sum[:])), nil
}

// InitiateCheckout creates the order and its gateway intent. Retrying the
// same cart returns the same order while it is still payable.
func (s *Service) InitiateCheckout(ctx context.Context, userID string, items []domain.CartItem, g domain.Gateway) (*CheckoutResult, error) {
	client, err := s.gateways.Get(g)
	if err != nil {
		return nil, err
	}
	key, err := CheckoutKey(userID, items, g)
	if err != nil {
		return nil, err
	}

	// one retry covers a prior checkout that turned out to be terminal
	for attempt := 0; attempt < 2; attempt++ {
		reservation, err := s.idempotency.Reserve(ctx, key)
		if err != nil {
			return nil, err
		}
		if !reservation.AlreadyExists {
			return s.freshCheckout(ctx, key, client, userID, items, g)
		}

		var record checkoutRecord
		if err := json.Unmarshal(reservation.PriorResult, &record); err != nil {
			return nil, fmt.Errorf("failed to decode checkout record %s: %w", key, err)
		}
		order, err := s.ledger.GetOrder(ctx, record.OrderID)
		if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			return nil, err
		}
		if order != nil && order.UnderReview() {
			return nil, fmt.Errorf("%w: order %s is under review", domain.ErrInvalidState, order.ID)
		}
		if order == nil || order.IsTerminal() {
			s.logger.Info("Previous checkout is settled, starting a new one",
				zap.String("user_id", userID),
				zap.String("previous_order_id", record.OrderID),
			)
			if err := s.idempotency.Release(ctx, key); err != nil {
				return nil, fmt.Errorf("failed to release checkout key: %w", err)
			}
			continue
		}
		if record.Result != nil {
			s.logger.Info("Returning existing checkout", zap.String("order_id", order.ID))
			return record.Result, nil
		}

		s.logger.Info("Resuming interrupted checkout", zap.String("order_id", order.ID))
		return s.finishCheckout(ctx, key, client, order)
	}
	return nil, fmt.Errorf("%w: checkout %s", domain.ErrReservationInProgress, key)
}

func (s *Service) freshCheckout(ctx context.Context, key string, client gateway.Client, userID string, items []domain.CartItem, g domain.Gateway) (*CheckoutResult, error) {
	order, err := s.ledger.CreateOrder(ctx, userID, items, g)
	if err != nil {
		s.release(ctx, key)
		return nil, err
	}
	if err := s.saveCheckout(ctx, key, checkoutRecord{OrderID: order.ID}); err != nil {
		s.release(ctx, key)
		return nil, err
	}
	return s.finishCheckout(ctx, key, client, order)
}

// finishCheckout obtains the gateway intent for an UNPAID order and records
// the final checkout result. The gateway receives the order id as its
// idempotency key, so repeating this for the same order yields the same
// intent.
func (s *Service) finishCheckout(ctx context.Context, key string, client gateway.Client, order *domain.Order) (*CheckoutResult, error) {
	intent, err := client.CreateIntent(ctx, order)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			if _, abandonErr := s.ledger.Abandon(ctx, order.ID, "rejected by gateway"); abandonErr != nil {
				s.logger.Error("Failed to abandon rejected order", zap.String("order_id", order.ID), zap.Error(abandonErr))
			}
			s.release(ctx, key)
		}
		return nil, err
	}

	tr, err := s.ledger.AttachTransaction(ctx, order.ID, client.Name(), intent.ID, intent.Raw)
	if errors.Is(err, domain.ErrInvalidState) {
		// a concurrent retry may have attached the same intent first
		existing, getErr := s.ledger.GetTransactionByOrder(ctx, order.ID)
		if getErr != nil || existing.RemoteIntentID != intent.ID {
			return nil, err
		}
		tr, err = existing, nil
	}
	if err != nil {
		return nil, err
	}

	result := &CheckoutResult{
		OrderID:       order.ID,
		Gateway:       order.Gateway,
		Total:         order.Total,
		Currency:      order.Currency,
		PaymentHandle: intent.Handle,
	}
	if err := s.saveCheckout(ctx, key, checkoutRecord{OrderID: order.ID, Result: result}); err != nil {
		s.logger.Error("Failed to store checkout result", zap.String("order_id", order.ID), zap.Error(err))
	}
	s.logger.Info("Checkout initiated",
		zap.String("order_id", order.ID),
		zap.String("transaction_id", tr.ID),
		zap.String("remote_intent_id", intent.ID),
	)
	return result, nil
}

func (s *Service) saveCheckout(ctx context.Context, key string, record checkoutRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode checkout record: %w", err)
	}
	if err := s.idempotency.Save(ctx, key, payload); err != nil {
		return fmt.Errorf("failed to save checkout record: %w", err)
	}
	return nil
}

func (s *Service) release(ctx context.Context, key string) {
	if err := s.idempotency.Release(ctx, key); err != nil {
		s.logger.Error("Failed to release idempotency key", zap.String("key", key), zap.Error(err))
	}
}

// EventKey is the idempotency key of a gateway event.
func EventKey(ev *domain.GatewayEvent) string {
	return fmt.Sprintf("event:%s:%s:%s", ev.Gateway, ev.RemoteIntentID, ev.EventType)
}

// HandleGatewayEvent applies a normalized gateway event to the ledger. A
// redelivered event is reported as DispositionDuplicate without error.
// Transient failures release the event so a redelivery can retry it.
func (s *Service) HandleGatewayEvent(ctx context.Context, ev *domain.GatewayEvent) (Disposition, error) {
	key := EventKey(ev)
	reservation, err := s.idempotency.Reserve(ctx, key)
	if err != nil {
		return "", err
	}
	if reservation.AlreadyExists {
		s.logger.Debug("Duplicate gateway event", zap.String("key", key))
		return DispositionDuplicate, nil
	}

	disposition, err := s.applyEvent(ctx, ev)
	if err != nil && !IsPermanent(err) {
		s.release(ctx, key)
		return "", err
	}
	if disposition == DispositionIgnored {
		s.release(ctx, key)
		return disposition, err
	}
	if saveErr := s.idempotency.Save(ctx, key, []byte(disposition)); saveErr != nil {
		s.logger.Error("Failed to record processed event", zap.String("key", key), zap.Error(saveErr))
	}
	return disposition, err
}

func (s *Service) applyEvent(ctx context.Context, ev *domain.GatewayEvent) (Disposition, error) {
	logger := s.logger.With(
		zap.String("gateway", string(ev.Gateway)),
		zap.String("remote_intent_id", ev.RemoteIntentID),
		zap.String("event_type", ev.EventType),
		zap.String("outcome", string(ev.Outcome)),
	)

	tr, err := s.ledger.FindTransactionByIntent(ctx, ev.Gateway, ev.RemoteIntentID)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		logger.Warn("Discarding event for unknown intent")
		return DispositionIgnored, nil
	}
	if err != nil {
		return "", err
	}

	var outcome ledger.Outcome
	switch ev.Outcome {
	case domain.OutcomeSucceeded:
		outcome, err = s.ledger.MarkCompleted(ctx, tr.ID, ev.Amount, ev.Currency)
	case domain.OutcomeFailed:
		outcome, err = s.ledger.MarkFailed(ctx, tr.ID, ev.Reason)
	case domain.OutcomeApproved:
		outcome, err = s.capture(ctx, tr)
	default:
		logger.Debug("Event needs no ledger change")
		return DispositionIgnored, nil
	}

	s.grantIfPaid(ctx, outcome)
	if err == nil && ev.Outcome == domain.OutcomeApproved && (outcome.Transaction == nil || !outcome.Transaction.IsTerminal()) {
		// capture still pending at the gateway; leave the event retryable
		return DispositionIgnored, nil
	}
	if err != nil {
		if IsPermanent(err) {
			logger.Warn("Event rejected by ledger", zap.Error(err))
		}
		return DispositionApplied, err
	}
	return DispositionApplied, nil
}

// capture settles an approved intent. The ledger marks the transaction as
// capturing first, so a crash between capture and completion is picked up
// by the stale transaction sweep.
func (s *Service) capture(ctx context.Context, tr *domain.Transaction) (ledger.Outcome, error) {
	if tr.IsTerminal() {
		return ledger.Outcome{Transaction: tr}, nil
	}
	if _, err := s.ledger.BeginCapture(ctx, tr.ID); err != nil {
		return ledger.Outcome{}, err
	}

	client, err := s.gateways.Get(tr.Gateway)
	if err != nil {
		return ledger.Outcome{}, err
	}
	result, err := client.Capture(ctx, tr.RemoteIntentID)
	if err != nil {
		return ledger.Outcome{}, err
	}

	switch result.Status {
	case gateway.CaptureCompleted:
		return s.ledger.MarkCompleted(ctx, tr.ID, result.CapturedAmount, result.Currency)
	case gateway.CaptureFailed:
		return s.ledger.MarkFailed(ctx, tr.ID, result.Reason)
	default:
		return ledger.Outcome{Transaction: tr}, nil
	}
}

func (s *Service) grantIfPaid(ctx context.Context, outcome ledger.Outcome) {
	if !outcome.Granted() {
		return
	}
	order := outcome.Order
	if err := s.entitlements.Grant(ctx, order.UserID, order.ID); err != nil {
		// the PAID status event in the outbox still carries the grant
		s.logger.Error("Failed to publish entitlement grant",
			zap.String("order_id", order.ID),
			zap.String("user_id", order.UserID),
			zap.Error(err),
		)
	}
}

// PollAndVerify lets the buyer confirm a payment after returning from the
// gateway. sessionID must be the order's remote intent id. Concurrent polls
// for one order share a single gateway round trip.
func (s *Service) PollAndVerify(ctx context.Context, caller domain.User, orderID, sessionID string) (*domain.Order, error) {
	order, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(order.UserID) {
		return nil, fmt.Errorf("%w: order %s", domain.ErrForbidden, orderID)
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrSessionMismatch)
	}
	tr, err := s.ledger.GetTransactionByOrder(ctx, orderID)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		return nil, fmt.Errorf("%w: order %s has no payment session", domain.ErrSessionMismatch, orderID)
	}
	if err != nil {
		return nil, err
	}
	if tr.RemoteIntentID != sessionID {
		return nil, fmt.Errorf("%w: order %s", domain.ErrSessionMismatch, orderID)
	}
	if order.IsTerminal() || order.UnderReview() || tr.IsTerminal() {
		return order, nil
	}

	_, err, _ = s.polls.Do(orderID, func() (any, error) {
		// every waiting poll shares this refresh, so it must not end when
		// the first caller goes away
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RefreshTimeout)
		defer cancel()
		return nil, s.refresh(ctx, tr)
	})
	if err != nil && !IsPermanent(err) {
		return nil, err
	}
	return s.ledger.GetOrder(ctx, orderID)
}

// refresh pulls the remote state of a transaction and applies it like a
// webhook delivery.
func (s *Service) refresh(ctx context.Context, tr *domain.Transaction) error {
	client, err := s.gateways.Get(tr.Gateway)
	if err != nil {
		return err
	}
	ev, err := client.Retrieve(ctx, tr.RemoteIntentID)
	if err != nil {
		return err
	}
	_, err = s.HandleGatewayEvent(ctx, ev)
	return err
}

// Refund is the admin entry point. The gateway-side refund is issued by
// back-office tooling; this only settles the ledger.
func (s *Service) Refund(ctx context.Context, caller domain.User, orderID, reason string) (*domain.Order, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: refunds require the admin role", domain.ErrForbidden)
	}
	outcome, err := s.ledger.Refund(ctx, orderID, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Refund recorded", zap.String("order_id", orderID), zap.String("admin_id", caller.ID))
	return outcome.Order, nil
}

// GetOrder returns the order if caller owns it or is an admin.
func (s *Service) GetOrder(ctx context.Context, caller domain.User, orderID string) (*domain.Order, error) {
	order, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(order.UserID) {
		return nil, fmt.Errorf("%w: order %s", domain.ErrForbidden, orderID)
	}
	return order, nil
}

// IsPermanent reports errors that a retry of the same input cannot fix.
// Gateways should not redeliver events that failed this way.
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrAmountMismatch) ||
		errors.Is(err, domain.ErrInvalidState) ||
		errors.Is(err, domain.ErrOrderNotFound) ||
		errors.Is(err, domain.ErrTransactionNotFound) ||
		errors.Is(err, domain.ErrForbidden)
}
