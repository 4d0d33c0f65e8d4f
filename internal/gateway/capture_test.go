package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reconciler/internal/domain"
	"reconciler/internal/idempotency"
)

func newMemoryStore(t *testing.T) *idempotency.MemoryStore {
	s := idempotency.NewMemoryStore(time.Hour, 2*time.Second)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdempotentCapture_CachesFinalResult(t *testing.T) {
	fake := &fakeClient{name: domain.GatewayCard, results: []*CaptureResult{
		{Status: CaptureCompleted, CapturedAmount: 4000, Currency: "USD", CaptureID: "ch_1"},
	}}
	c := WithIdempotentCapture(fake, newMemoryStore(t), zap.NewNop())

	var wg sync.WaitGroup
	results := make([]*CaptureResult, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Capture(context.Background(), "pi_1")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fake.calls())
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, CaptureCompleted, res.Status)
		assert.Equal(t, int64(4000), res.CapturedAmount)
	}
}

func TestIdempotentCapture_PendingIsNotCached(t *testing.T) {
	fake := &fakeClient{name: domain.GatewayCard, results: []*CaptureResult{
		{Status: CapturePending},
		{Status: CaptureCompleted, CapturedAmount: 4000, Currency: "USD"},
	}}
	c := WithIdempotentCapture(fake, newMemoryStore(t), zap.NewNop())

	res, err := c.Capture(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, CapturePending, res.Status)

	res, err = c.Capture(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, CaptureCompleted, res.Status)
	assert.Equal(t, 2, fake.calls())
}

func TestIdempotentCapture_ErrorReleasesKey(t *testing.T) {
	fake := &fakeClient{name: domain.GatewayWallet, err: domain.ErrGatewayUnavailable}
	c := WithIdempotentCapture(fake, newMemoryStore(t), zap.NewNop())

	_, err := c.Capture(context.Background(), "WO-1")
	assert.True(t, errors.Is(err, domain.ErrGatewayUnavailable))
	_, err = c.Capture(context.Background(), "WO-1")
	assert.True(t, errors.Is(err, domain.ErrGatewayUnavailable))
	assert.Equal(t, 2, fake.calls())
}

func TestIdempotentCapture_CancelledCallerDoesNotStrandKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := idempotency.NewRedisStore(client, 24*time.Hour, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeClient{
		name:    domain.GatewayCard,
		results: []*CaptureResult{{Status: CaptureCompleted, CapturedAmount: 4000, Currency: "USD"}},
		onCapture: func() error {
			cancel()
			return ctx.Err()
		},
	}
	c := WithIdempotentCapture(fake, store, zap.NewNop())

	_, err := c.Capture(ctx, "pi_1")
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, mr.Exists("idempotency:capture:card:pi_1"), "reservation must be released")

	res, err := c.Capture(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, CaptureCompleted, res.Status)
	assert.Equal(t, 2, fake.calls())
	assert.Equal(t, 24*time.Hour, mr.TTL("idempotency:capture:card:pi_1"))
}

func TestIdempotentCapture_KeysArePerGateway(t *testing.T) {
	store := newMemoryStore(t)
	card := &fakeClient{name: domain.GatewayCard, results: []*CaptureResult{{Status: CaptureCompleted, CapturedAmount: 1}}}
	wallet := &fakeClient{name: domain.GatewayWallet, results: []*CaptureResult{{Status: CaptureCompleted, CapturedAmount: 2}}}

	res, err := WithIdempotentCapture(card, store, zap.NewNop()).Capture(context.Background(), "same-id")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.CapturedAmount)

	res, err = WithIdempotentCapture(wallet, store, zap.NewNop()).Capture(context.Background(), "same-id")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.CapturedAmount)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&fakeClient{name: domain.GatewayCard})

	c, err := r.Lookup("CARD")
	require.NoError(t, err)
	assert.Equal(t, domain.GatewayCard, c.Name())

	_, err = r.Get(domain.GatewayWallet)
	assert.ErrorIs(t, err, domain.ErrUnknownGateway)
	_, err = r.Lookup("bank")
	assert.ErrorIs(t, err, domain.ErrUnknownGateway)
}

func TestValidateAmount(t *testing.T) {
	o := &domain.Order{ID: "o", Total: 100, Currency: "USD"}
	assert.NoError(t, ValidateAmount(o, []string{"USD"}, domain.GatewayCard))
	assert.ErrorIs(t, ValidateAmount(o, []string{"EUR"}, domain.GatewayCard), domain.ErrInvalidAmount)
	o.Total = 0
	assert.ErrorIs(t, ValidateAmount(o, []string{"USD"}, domain.GatewayCard), domain.ErrInvalidAmount)
}
