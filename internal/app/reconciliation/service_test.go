package reconciliation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reconciler/internal/catalog"
	"reconciler/internal/domain"
	"reconciler/internal/gateway"
	"reconciler/internal/idempotency"
	"reconciler/internal/ledger"
	"reconciler/internal/repository/ledger_repo"
)

type testEnv struct {
	svc    *Service
	ledger *ledger.Ledger
	card   *fakeGateway
	grants *fakeEntitlements
	keys   idempotency.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	keys := idempotency.NewMemoryStore(time.Hour, time.Second)
	t.Cleanup(func() { _ = keys.Close() })
	return newTestEnvWithStore(t, keys)
}

// newTestEnvWithStore wires the card gateway through the idempotent capture
// decorator, the way the service runs in production.
func newTestEnvWithStore(t *testing.T, keys idempotency.Store) *testEnv {
	t.Helper()
	cat := catalog.NewStaticCatalog(
		domain.CatalogItem{ID: "course-go", Price: 2000, Currency: "USD", Published: true, Stock: 100},
		domain.CatalogItem{ID: "ebook", Price: 999, Currency: "USD", Published: true, Stock: 100},
	)
	l := ledger.New(ledger_repo.NewMemoryStore(), cat, "payment_status_updates", zap.NewNop())
	card := newFakeGateway(domain.GatewayCard)
	grants := &fakeEntitlements{}

	svc := NewService(l, gateway.NewRegistry(gateway.WithIdempotentCapture(card, keys, zap.NewNop())), keys, grants, Options{
		// negative ages put the cutoff in the future so fresh rows qualify
		AbandonAfter: -time.Hour,
		StaleAfter:   -time.Hour,
		SweepBatch:   10,
	}, zap.NewNop())
	return &testEnv{svc: svc, ledger: l, card: card, grants: grants, keys: keys}
}

var cart = []domain.CartItem{{ProductID: "course-go", Quantity: 2}}

func (e *testEnv) checkout(t *testing.T) *CheckoutResult {
	t.Helper()
	res, err := e.svc.InitiateCheckout(context.Background(), "user-1", cart, domain.GatewayCard)
	require.NoError(t, err)
	return res
}

func succeeded(intent string, amount int64) *domain.GatewayEvent {
	return &domain.GatewayEvent{
		Gateway:        domain.GatewayCard,
		EventID:        "evt_" + intent,
		EventType:      "payment_intent.succeeded",
		RemoteIntentID: intent,
		Outcome:        domain.OutcomeSucceeded,
		Amount:         amount,
		Currency:       "USD",
	}
}

func TestCheckoutKey_NormalizesCart(t *testing.T) {
	a, err := CheckoutKey("user-1", []domain.CartItem{
		{ProductID: "ebook", Quantity: 1},
		{ProductID: "course-go", Quantity: 1},
		{ProductID: "course-go", Quantity: 1},
	}, domain.GatewayCard)
	require.NoError(t, err)
	b, err := CheckoutKey("user-1", []domain.CartItem{
		{ProductID: "course-go", Quantity: 2},
		{ProductID: "ebook", Quantity: 1},
	}, domain.GatewayCard)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := CheckoutKey("user-1", []domain.CartItem{{ProductID: "course-go", Quantity: 2}, {ProductID: "ebook", Quantity: 1}}, domain.GatewayWallet)
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	_, err = CheckoutKey("user-1", nil, domain.GatewayCard)
	assert.ErrorIs(t, err, domain.ErrEmptyCart)
}

func TestInitiateCheckout(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res := e.checkout(t)
	assert.Equal(t, int64(4000), res.Total)
	assert.Equal(t, "USD", res.Currency)
	assert.Equal(t, domain.GatewayCard, res.Gateway)
	assert.Equal(t, domain.HandleClientSecret, res.PaymentHandle.Kind)

	order, err := e.ledger.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusUnpaid, order.PaymentStatus)

	tr, err := e.ledger.GetTransactionByOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "pi_"+res.OrderID, tr.RemoteIntentID)
	assert.Equal(t, domain.TransactionStatusCreated, tr.Status)
}

func TestInitiateCheckout_RetryReturnsSameOrder(t *testing.T) {
	e := newTestEnv(t)

	first := e.checkout(t)
	second := e.checkout(t)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), e.card.creates.Load())
}

func TestInitiateCheckout_UnknownGateway(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.svc.InitiateCheckout(context.Background(), "user-1", cart, domain.GatewayWallet)
	assert.ErrorIs(t, err, domain.ErrUnknownGateway)
}

func TestInitiateCheckout_CatalogRejection(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.InitiateCheckout(ctx, "user-1", []domain.CartItem{{ProductID: "missing", Quantity: 1}}, domain.GatewayCard)
	assert.ErrorIs(t, err, domain.ErrProductUnavailable)

	// the key was released, so the same cart can be retried
	_, err = e.svc.InitiateCheckout(ctx, "user-1", []domain.CartItem{{ProductID: "missing", Quantity: 1}}, domain.GatewayCard)
	assert.ErrorIs(t, err, domain.ErrProductUnavailable)
	assert.Zero(t, e.card.creates.Load())
}

func TestInitiateCheckout_NewOrderAfterTerminal(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	first := e.checkout(t)
	tr, err := e.ledger.GetTransactionByOrder(ctx, first.OrderID)
	require.NoError(t, err)
	_, err = e.ledger.MarkFailed(ctx, tr.ID, "card_declined")
	require.NoError(t, err)

	second := e.checkout(t)
	assert.NotEqual(t, first.OrderID, second.OrderID)
	assert.Equal(t, int32(2), e.card.creates.Load())
}

func TestInitiateCheckout_GatewayRejectionAbandonsOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.card.setCreateErr(domain.ErrUnsupportedCurrency)
	_, err := e.svc.InitiateCheckout(ctx, "user-1", cart, domain.GatewayCard)
	require.ErrorIs(t, err, domain.ErrUnsupportedCurrency)

	e.card.setCreateErr(nil)
	res := e.checkout(t)

	abandoned, err := e.ledger.ListAbandonedOrders(ctx, -time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, abandoned, "rejected order must already be FAILED")

	order, err := e.ledger.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusUnpaid, order.PaymentStatus)
}

func TestInitiateCheckout_TransientErrorResumesSameOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.card.setCreateErr(domain.ErrGatewayUnavailable)
	_, err := e.svc.InitiateCheckout(ctx, "user-1", cart, domain.GatewayCard)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	e.card.setCreateErr(nil)
	res := e.checkout(t)

	// a second order would still be waiting for a transaction
	abandoned, err := e.ledger.ListAbandonedOrders(ctx, -time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, abandoned)
	assert.NotEmpty(t, res.OrderID)
}

func TestInitiateCheckout_UnderReview(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res := e.checkout(t)
	_, err := e.svc.HandleGatewayEvent(ctx, succeeded("pi_"+res.OrderID, 3999))
	require.ErrorIs(t, err, domain.ErrAmountMismatch)

	_, err = e.svc.InitiateCheckout(ctx, "user-1", cart, domain.GatewayCard)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestHandleGatewayEvent_SucceededGrantsOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res := e.checkout(t)
	ev := succeeded("pi_"+res.OrderID, 4000)

	disposition, err := e.svc.HandleGatewayEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, DispositionApplied, disposition)

	disposition, err = e.svc.HandleGatewayEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, DispositionDuplicate, disposition)

	order, err := e.ledger.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, domain.FulfillmentGranted, order.FulfillmentStatus)
	assert.Equal(t, []grant{{userID: "user-1", orderID: res.OrderID}}, e.grants.granted())
}

func TestHandleGatewayEvent_ConcurrentDeliveries(t *testing.T) {
	e := newTestEnv(t)
	res := e.checkout(t)
	ev := succeeded("pi_"+res.OrderID, 4000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			copied := *ev
			_, err := e.svc.HandleGatewayEvent(context.Background(), &copied)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, e.grants.granted(), 1)
}

func TestHandleGatewayEvent_UnknownIntentIgnored(t *testing.T) {
	e := newTestEnv(t)

	disposition, err := e.svc.HandleGatewayEvent(context.Background(), succeeded("pi_unknown", 4000))
	require.NoError(t, err)
	assert.Equal(t, DispositionIgnored, disposition)
	assert.Empty(t, e.grants.granted())
}

func TestHandleGatewayEvent_FailedThenLateSuccess(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res := e.checkout(t)
	intent := "pi_" + res.OrderID

	_, err := e.svc.HandleGatewayEvent(ctx, &domain.GatewayEvent{
		Gateway:        domain.GatewayCard,
		EventType:      "payment_intent.payment_failed",
		RemoteIntentID: intent,
		Outcome:        domain.OutcomeFailed,
		Reason:         "card_declined",
	})
	require.NoError(t, err)

	disposition, err := e.svc.HandleGatewayEvent(ctx, succeeded(intent, 4000))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, DispositionApplied, disposition)

	order, err := e.ledger.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, order.PaymentStatus)
	assert.True(t, order.UnderReview())
	assert.Empty(t, e.grants.granted())

	// permanent rejections are remembered
	disposition, err = e.svc.HandleGatewayEvent(ctx, succeeded(intent, 4000))
	require.NoError(t, err)
	assert.Equal(t, DispositionDuplicate, disposition)
}

func TestHandleGatewayEvent_ApprovedCaptures(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res := e.checkout(t)
	approved := &domain.GatewayEvent{
		Gateway:        domain.GatewayCard,
		EventType:      "checkout.order.approved",
		RemoteIntentID: "pi_" + res.OrderID,
		Outcome:        domain.OutcomeApproved,
	}

	// capture failure is transient and releases the event
	_, err := e.svc.HandleGatewayEvent(ctx, approved)
	require.Error(t, err)

	tr, err := e.ledger.GetTransactionByOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCapturing, tr.Status)

	e.card.mu.Lock()
	e.card.capture = &gateway.CaptureResult{Status: gateway.CaptureCompleted, CapturedAmount: 4000, Currency: "USD"}
	e.card.mu.Unlock()

	disposition, err := e.svc.HandleGatewayEvent(ctx, approved)
	require.NoError(t, err)
	assert.Equal(t, DispositionApplied, disposition)
	assert.Equal(t, int32(2), e.card.captures.Load())

	order, err := e.ledger.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
	assert.Len(t, e.grants.granted(), 1)
}

func TestHandleGatewayEvent_CancelledDeliveryCanBeRedelivered(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	e := newTestEnvWithStore(t, idempotency.NewRedisStore(client, 24*time.Hour, 100*time.Millisecond))
	res := e.checkout(t)
	intent := "pi_" + res.OrderID
	approved := &domain.GatewayEvent{
		Gateway:        domain.GatewayCard,
		EventType:      "payment_intent.amount_capturable_updated",
		RemoteIntentID: intent,
		Outcome:        domain.OutcomeApproved,
	}

	// the gateway drops the connection while the capture is in flight
	ctx, cancel := context.WithCancel(context.Background())
	e.card.mu.Lock()
	e.card.capture = &gateway.CaptureResult{Status: gateway.CaptureCompleted, CapturedAmount: 4000, Currency: "USD"}
	e.card.onCapture = func() error {
		cancel()
		return ctx.Err()
	}
	e.card.mu.Unlock()

	_, err := e.svc.HandleGatewayEvent(ctx, approved)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, mr.Exists("idempotency:"+EventKey(approved)), "event reservation must be released")
	assert.False(t, mr.Exists("idempotency:capture:card:"+intent), "capture reservation must be released")

	disposition, err := e.svc.HandleGatewayEvent(context.Background(), approved)
	require.NoError(t, err)
	assert.Equal(t, DispositionApplied, disposition)
	assert.Equal(t, int32(2), e.card.captures.Load())

	order, err := e.ledger.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, 24*time.Hour, mr.TTL("idempotency:"+EventKey(approved)))
}

func TestHandleGatewayEvent_PendingCaptureStaysRetryable(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res := e.checkout(t)
	e.card.capture = &gateway.CaptureResult{Status: gateway.CapturePending}
	approved := &domain.GatewayEvent{
		Gateway:        domain.GatewayCard,
		EventType:      "checkout.order.approved",
		RemoteIntentID: "pi_" + res.OrderID,
		Outcome:        domain.OutcomeApproved,
	}

	disposition, err := e.svc.HandleGatewayEvent(ctx, approved)
	require.NoError(t, err)
	assert.Equal(t, DispositionIgnored, disposition)

	disposition, err = e.svc.HandleGatewayEvent(ctx, approved)
	require.NoError(t, err)
	assert.Equal(t, DispositionIgnored, disposition)
	assert.Equal(t, int32(2), e.card.captures.Load())
}

func TestHandleGatewayEvent_GrantFailureKeepsOrderPaid(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.grants.err = domain.ErrGatewayUnavailable
	res := e.checkout(t)

	_, err := e.svc.HandleGatewayEvent(ctx, succeeded("pi_"+res.OrderID, 4000))
	require.NoError(t, err)

	order, err := e.ledger.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
}

func TestPollAndVerify(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res := e.checkout(t)
	intent := "pi_" + res.OrderID
	owner := domain.User{ID: "user-1", Role: domain.RoleCustomer}

	t.Run("foreign user", func(t *testing.T) {
		_, err := e.svc.PollAndVerify(ctx, domain.User{ID: "user-2", Role: domain.RoleCustomer}, res.OrderID, intent)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := e.svc.PollAndVerify(ctx, owner, res.OrderID, "")
		assert.ErrorIs(t, err, domain.ErrSessionMismatch)
	})

	t.Run("wrong session", func(t *testing.T) {
		_, err := e.svc.PollAndVerify(ctx, owner, res.OrderID, "pi_other")
		assert.ErrorIs(t, err, domain.ErrSessionMismatch)
	})

	t.Run("gateway down", func(t *testing.T) {
		_, err := e.svc.PollAndVerify(ctx, owner, res.OrderID, intent)
		assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	})

	t.Run("still pending", func(t *testing.T) {
		e.card.setRemote(&domain.GatewayEvent{Gateway: domain.GatewayCard, EventType: "poll.pending", Outcome: domain.OutcomePending})
		order, err := e.svc.PollAndVerify(ctx, owner, res.OrderID, intent)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusUnpaid, order.PaymentStatus)
	})

	t.Run("settles the order", func(t *testing.T) {
		e.card.setRemote(succeeded("", 4000))
		order, err := e.svc.PollAndVerify(ctx, owner, res.OrderID, intent)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
		assert.Len(t, e.grants.granted(), 1)
	})

	t.Run("admin reads settled order without polling", func(t *testing.T) {
		before := e.card.retrieves.Load()
		order, err := e.svc.PollAndVerify(ctx, domain.User{ID: "ops", Role: domain.RoleAdmin}, res.OrderID, intent)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
		assert.Equal(t, before, e.card.retrieves.Load())
	})
}

func TestPollAndVerify_ConcurrentPollsShareRetrieve(t *testing.T) {
	e := newTestEnv(t)
	res := e.checkout(t)
	intent := "pi_" + res.OrderID
	owner := domain.User{ID: "user-1", Role: domain.RoleCustomer}
	e.card.setRemote(succeeded("", 4000))
	e.card.retrieveGate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := e.svc.PollAndVerify(context.Background(), owner, res.OrderID, intent)
			if assert.NoError(t, err) {
				assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
			}
		}()
	}

	require.Eventually(t, func() bool { return e.card.retrieves.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(e.card.retrieveGate)
	wg.Wait()

	assert.Equal(t, int32(1), e.card.retrieves.Load())
	assert.Len(t, e.grants.granted(), 1)
}

func TestPollAndVerify_FirstCallerLeavingDoesNotFailOthers(t *testing.T) {
	e := newTestEnv(t)
	res := e.checkout(t)
	intent := "pi_" + res.OrderID
	owner := domain.User{ID: "user-1", Role: domain.RoleCustomer}
	e.card.setRemote(succeeded("", 4000))
	e.card.retrieveGate = make(chan struct{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = e.svc.PollAndVerify(firstCtx, owner, res.OrderID, intent)
	}()
	require.Eventually(t, func() bool { return e.card.retrieves.Load() == 1 }, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := e.svc.PollAndVerify(context.Background(), owner, res.OrderID, intent)
			if assert.NoError(t, err) {
				assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	cancelFirst()
	close(e.card.retrieveGate)
	wg.Wait()
	<-firstDone

	assert.Equal(t, int32(1), e.card.retrieves.Load())
	assert.Len(t, e.grants.granted(), 1)
}

func TestRefund(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res := e.checkout(t)
	_, err := e.svc.HandleGatewayEvent(ctx, succeeded("pi_"+res.OrderID, 4000))
	require.NoError(t, err)

	_, err = e.svc.Refund(ctx, domain.User{ID: "user-1", Role: domain.RoleCustomer}, res.OrderID, "requested")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	order, err := e.svc.Refund(ctx, domain.User{ID: "ops", Role: domain.RoleAdmin}, res.OrderID, "requested")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, order.PaymentStatus)
	assert.Equal(t, domain.FulfillmentNone, order.FulfillmentStatus)

	_, err = e.svc.Refund(ctx, domain.User{ID: "ops", Role: domain.RoleAdmin}, res.OrderID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestGetOrder_Ownership(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res := e.checkout(t)

	order, err := e.svc.GetOrder(ctx, domain.User{ID: "user-1"}, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, order.ID)

	_, err = e.svc.GetOrder(ctx, domain.User{ID: "user-2"}, res.OrderID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = e.svc.GetOrder(ctx, domain.User{ID: "user-1"}, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestSweep(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// an order that never reached the gateway
	stranded, err := e.ledger.CreateOrder(ctx, "user-2", []domain.CartItem{{ProductID: "ebook", Quantity: 1}}, domain.GatewayCard)
	require.NoError(t, err)
	// a paid intent whose webhook was lost
	res := e.checkout(t)
	e.card.setRemote(succeeded("", 4000))

	report, err := e.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, 1, report.Reconciled)
	assert.Zero(t, report.Failed)

	order, err := e.ledger.GetOrder(ctx, stranded.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, order.PaymentStatus)

	order, err = e.ledger.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
	assert.Len(t, e.grants.granted(), 1)

	report, err = e.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
}

func TestSweep_GatewayDownCountsFailures(t *testing.T) {
	e := newTestEnv(t)
	e.checkout(t)

	report, err := e.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Reconciled)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(domain.ErrSessionMismatch))
	assert.True(t, IsPermanent(domain.ErrAmountMismatch))
	assert.True(t, IsPermanent(domain.ErrInvalidState))
	assert.False(t, IsPermanent(domain.ErrGatewayUnavailable))
	assert.False(t, IsPermanent(context.DeadlineExceeded))
}
