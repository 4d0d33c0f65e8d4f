package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"reconciler/internal/catalog"
	"reconciler/internal/domain"
	"reconciler/internal/repository/ledger_repo"
)

const statusTopic = "payment_status_updates"

func newTestLedger() (*Ledger, *ledger_repo.MemoryStore) {
	store := ledger_repo.NewMemoryStore()
	cat := catalog.NewStaticCatalog(
		domain.CatalogItem{ID: "course-go", Price: 2000, Currency: "USD", Published: true, Stock: 100},
		domain.CatalogItem{ID: "ebook", Price: 999, Currency: "USD", Published: true, Stock: 1},
		domain.CatalogItem{ID: "draft", Price: 500, Currency: "USD", Published: false, Stock: 100},
		domain.CatalogItem{ID: "euro-course", Price: 1800, Currency: "EUR", Published: true, Stock: 100},
	)
	return New(store, cat, statusTopic, zap.NewNop()), store
}

func paidFixture(t *testing.T, l *Ledger) (*domain.Order, *domain.Transaction) {
	t.Helper()
	ctx := context.Background()
	order, err := l.CreateOrder(ctx, "user-1", []domain.CartItem{{ProductID: "course-go", Quantity: 2}}, domain.GatewayCard)
	require.NoError(t, err)
	tr, err := l.AttachTransaction(ctx, order.ID, domain.GatewayCard, "pi_"+order.ID, `{"id":"pi"}`)
	require.NoError(t, err)
	return order, tr
}

func TestCreateOrder(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	order, err := l.CreateOrder(ctx, "user-1", []domain.CartItem{
		{ProductID: "course-go", Quantity: 1},
		{ProductID: "ebook", Quantity: 1},
		{ProductID: "course-go", Quantity: 1},
	}, domain.GatewayCard)
	require.NoError(t, err)

	assert.Equal(t, int64(4999), order.Total)
	assert.Equal(t, "USD", order.Currency)
	assert.Equal(t, domain.PaymentStatusUnpaid, order.PaymentStatus)
	assert.Equal(t, []domain.LineItem{
		{ProductID: "course-go", Quantity: 2, UnitPrice: 2000},
		{ProductID: "ebook", Quantity: 1, UnitPrice: 999},
	}, order.Items)

	stored, err := l.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Total, stored.Total)

	msgs := store.OutboxMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, statusTopic, msgs[0].Topic)
	assert.Equal(t, order.ID, msgs[0].Key)
}

func TestCreateOrder_ValidationLeavesNoRow(t *testing.T) {
	cases := []struct {
		name  string
		items []domain.CartItem
		want  error
	}{
		{"empty cart", nil, domain.ErrEmptyCart},
		{"zero quantity", []domain.CartItem{{ProductID: "course-go", Quantity: 0}}, domain.ErrInvalidQuantity},
		{"negative quantity", []domain.CartItem{{ProductID: "course-go", Quantity: -1}}, domain.ErrInvalidQuantity},
		{"unknown product", []domain.CartItem{{ProductID: "nope", Quantity: 1}}, domain.ErrProductUnavailable},
		{"unpublished product", []domain.CartItem{{ProductID: "draft", Quantity: 1}}, domain.ErrProductUnavailable},
		{"out of stock after merge", []domain.CartItem{{ProductID: "ebook", Quantity: 1}, {ProductID: "ebook", Quantity: 1}}, domain.ErrProductUnavailable},
		{"mixed currencies", []domain.CartItem{{ProductID: "course-go", Quantity: 1}, {ProductID: "euro-course", Quantity: 1}}, domain.ErrUnsupportedCurrency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, store := newTestLedger()
			_, err := l.CreateOrder(context.Background(), "user-1", tc.items, domain.GatewayCard)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Empty(t, store.OutboxMessages())

			ids, err := store.ListAbandonedOrders(context.Background(), farFuture, 10)
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestAttachTransaction(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	order, tr := paidFixture(t, l)

	assert.Equal(t, domain.TransactionStatusCreated, tr.Status)
	assert.Equal(t, order.Total, tr.Amount)

	_, err := l.AttachTransaction(ctx, order.ID, domain.GatewayCard, "pi_other", "")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	other, err := l.CreateOrder(ctx, "user-1", []domain.CartItem{{ProductID: "course-go", Quantity: 1}}, domain.GatewayCard)
	require.NoError(t, err)
	_, err = l.AttachTransaction(ctx, other.ID, domain.GatewayWallet, "WO-1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = l.AttachTransaction(ctx, "missing", domain.GatewayCard, "pi_x", "")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	found, err := l.FindTransactionByIntent(ctx, domain.GatewayCard, tr.RemoteIntentID)
	require.NoError(t, err)
	assert.Equal(t, tr.ID, found.ID)
}

func TestMarkCompleted_TwoItemsOneGrant(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()
	order, tr := paidFixture(t, l)
	require.Equal(t, int64(4000), order.Total)

	outcome, err := l.MarkCompleted(ctx, tr.ID, 4000, "USD")
	require.NoError(t, err)
	assert.True(t, outcome.Granted())
	assert.Equal(t, domain.PaymentStatusPaid, outcome.Order.PaymentStatus)
	assert.Equal(t, domain.FulfillmentGranted, outcome.Order.FulfillmentStatus)
	assert.Equal(t, domain.TransactionStatusCompleted, outcome.Transaction.Status)

	again, err := l.MarkCompleted(ctx, tr.ID, 4000, "USD")
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.False(t, again.Granted())

	var paidEvents int
	for _, msg := range store.OutboxMessages() {
		var ev domain.PaymentStatusUpdateEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		if ev.PaymentStatus == domain.PaymentStatusPaid {
			paidEvents++
			assert.Equal(t, tr.ID, ev.TransactionID)
			assert.Equal(t, int64(4000), ev.Amount)
		}
	}
	assert.Equal(t, 1, paidEvents)
}

func TestMarkCompleted_OffByOneCentGoesToReview(t *testing.T) {
	for _, captured := range []int64{3999, 4001} {
		t.Run(fmt.Sprint(captured), func(t *testing.T) {
			l, store := newTestLedger()
			ctx := context.Background()
			_, tr := paidFixture(t, l)

			outcome, err := l.MarkCompleted(ctx, tr.ID, captured, "USD")
			assert.ErrorIs(t, err, domain.ErrAmountMismatch)
			assert.False(t, outcome.Granted())
			assert.Equal(t, domain.PaymentStatusUnpaid, outcome.Order.PaymentStatus)
			assert.Equal(t, domain.ReviewUnderReview, outcome.Order.ReviewStatus)
			assert.Equal(t, domain.FulfillmentNone, outcome.Order.FulfillmentStatus)

			// redelivery keeps reporting the mismatch and never pays
			_, err = l.MarkCompleted(ctx, tr.ID, captured, "USD")
			assert.ErrorIs(t, err, domain.ErrAmountMismatch)

			stored, err := l.GetOrder(ctx, tr.OrderID)
			require.NoError(t, err)
			assert.Equal(t, domain.PaymentStatusUnpaid, stored.PaymentStatus)
			assert.True(t, stored.UnderReview())

			last := store.OutboxMessages()[len(store.OutboxMessages())-1]
			assert.Equal(t, domain.MessageOrderUnderReview, last.MessageType)
		})
	}
}

func TestMarkCompleted_CurrencyMismatch(t *testing.T) {
	l, _ := newTestLedger()
	_, tr := paidFixture(t, l)
	_, err := l.MarkCompleted(context.Background(), tr.ID, 4000, "EUR")
	assert.ErrorIs(t, err, domain.ErrAmountMismatch)
}

func TestMarkFailed_ThenLateSuccess(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	_, tr := paidFixture(t, l)

	outcome, err := l.MarkFailed(ctx, tr.ID, "card_declined")
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, domain.PaymentStatusFailed, outcome.Order.PaymentStatus)
	assert.Equal(t, "card_declined", outcome.Order.FailureReason)

	again, err := l.MarkFailed(ctx, tr.ID, "card_declined")
	require.NoError(t, err)
	assert.False(t, again.Changed)

	late, err := l.MarkCompleted(ctx, tr.ID, 4000, "USD")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.False(t, late.Granted())
	assert.Equal(t, domain.PaymentStatusFailed, late.Order.PaymentStatus)
	assert.True(t, late.Order.UnderReview())
}

func TestMarkFailed_CompletionIsSticky(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	_, tr := paidFixture(t, l)

	_, err := l.MarkCompleted(ctx, tr.ID, 4000, "USD")
	require.NoError(t, err)

	outcome, err := l.MarkFailed(ctx, tr.ID, "late failure")
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.Equal(t, domain.PaymentStatusPaid, outcome.Order.PaymentStatus)
	assert.Equal(t, domain.TransactionStatusCompleted, outcome.Transaction.Status)
}

func TestBeginCapture(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	_, tr := paidFixture(t, l)

	outcome, err := l.BeginCapture(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, domain.TransactionStatusCapturing, outcome.Transaction.Status)

	outcome, err = l.BeginCapture(ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, outcome.Changed)

	_, err = l.MarkCompleted(ctx, tr.ID, 4000, "USD")
	require.NoError(t, err)
	_, err = l.BeginCapture(ctx, tr.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = l.BeginCapture(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestRefund(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	order, tr := paidFixture(t, l)

	_, err := l.Refund(ctx, order.ID, "customer request")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = l.MarkCompleted(ctx, tr.ID, 4000, "USD")
	require.NoError(t, err)

	outcome, err := l.Refund(ctx, order.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, outcome.Order.PaymentStatus)
	assert.Equal(t, domain.FulfillmentNone, outcome.Order.FulfillmentStatus)

	_, err = l.Refund(ctx, order.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	// a redelivered success must not resurrect the entitlement
	late, err := l.MarkCompleted(ctx, tr.ID, 4000, "USD")
	require.NoError(t, err)
	assert.False(t, late.Granted())
	assert.Equal(t, domain.PaymentStatusRefunded, late.Order.PaymentStatus)

	_, err = l.Refund(ctx, "missing", "x")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestAbandon(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	order, err := l.CreateOrder(ctx, "user-1", []domain.CartItem{{ProductID: "course-go", Quantity: 1}}, domain.GatewayCard)
	require.NoError(t, err)
	outcome, err := l.Abandon(ctx, order.ID, "abandoned")
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, domain.PaymentStatusFailed, outcome.Order.PaymentStatus)

	withTx, _ := paidFixture(t, l)
	outcome, err = l.Abandon(ctx, withTx.ID, "abandoned")
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.Equal(t, domain.PaymentStatusUnpaid, outcome.Order.PaymentStatus)
}

func TestMarkCompleted_ConcurrentDeliveriesGrantOnce(t *testing.T) {
	l, _ := newTestLedger()
	_, tr := paidFixture(t, l)

	var wg sync.WaitGroup
	var mu sync.Mutex
	grants := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := l.MarkCompleted(context.Background(), tr.ID, 4000, "USD")
			assert.NoError(t, err)
			if outcome.Granted() {
				mu.Lock()
				grants++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, grants)
}

func TestMergeCart(t *testing.T) {
	merged, err := MergeCart([]domain.CartItem{
		{ProductID: " b ", Quantity: 1},
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.CartItem{{ProductID: "b", Quantity: 4}, {ProductID: "a", Quantity: 2}}, merged)

	_, err = MergeCart([]domain.CartItem{{ProductID: "", Quantity: 1}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// TestLedger_StatusGraphProperty drives random operation sequences against
// one order and checks the payment graph, the entitlement rule and the single
// grant after every step.
func TestLedger_StatusGraphProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		l, _ := newTestLedger()
		ctx := context.Background()

		order, err := l.CreateOrder(ctx, "user-1", []domain.CartItem{{ProductID: "course-go", Quantity: 2}}, domain.GatewayCard)
		if err != nil {
			rt.Fatalf("create order: %v", err)
		}
		tr, err := l.AttachTransaction(ctx, order.ID, domain.GatewayCard, "pi_prop", "")
		if err != nil {
			rt.Fatalf("attach: %v", err)
		}

		prev := order.PaymentStatus
		grants := 0
		mismatched := false
		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.SampledFrom([]string{"capture", "complete", "complete_off", "fail", "refund"}).Draw(rt, "op")
			var outcome Outcome
			switch op {
			case "capture":
				outcome, _ = l.BeginCapture(ctx, tr.ID)
			case "complete":
				outcome, _ = l.MarkCompleted(ctx, tr.ID, order.Total, "USD")
			case "complete_off":
				delta := rapid.SampledFrom([]int64{-1, 1, -order.Total / 2}).Draw(rt, "delta")
				outcome, _ = l.MarkCompleted(ctx, tr.ID, order.Total+delta, "USD")
				if prev == domain.PaymentStatusUnpaid {
					mismatched = true
				}
			case "fail":
				outcome, _ = l.MarkFailed(ctx, tr.ID, "declined")
			case "refund":
				outcome, _ = l.Refund(ctx, order.ID, "requested")
			}
			if outcome.Granted() {
				grants++
			}

			current, err := l.GetOrder(ctx, order.ID)
			if err != nil {
				rt.Fatalf("get order: %v", err)
			}
			if current.PaymentStatus != prev && !domain.CanTransition(prev, current.PaymentStatus) {
				rt.Fatalf("illegal transition %s -> %s after %s", prev, current.PaymentStatus, op)
			}
			if (current.FulfillmentStatus == domain.FulfillmentGranted) != (current.PaymentStatus == domain.PaymentStatusPaid) {
				rt.Fatalf("fulfillment %s with payment %s", current.FulfillmentStatus, current.PaymentStatus)
			}
			if mismatched && current.PaymentStatus == domain.PaymentStatusPaid {
				rt.Fatalf("order paid after an amount mismatch")
			}
			prev = current.PaymentStatus
		}
		if grants > 1 {
			rt.Fatalf("entitlement granted %d times", grants)
		}
	})
}

var farFuture = mustParseTime("2999-01-01T00:00:00Z")
