package reconciliation

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"reconciler/internal/domain"
	"reconciler/internal/gateway"
)

type fakeGateway struct {
	mu        sync.Mutex
	name      domain.Gateway
	createErr error
	capture   *gateway.CaptureResult
	remote    *domain.GatewayEvent
	intents   map[string]string
	// onCapture, when set, runs once inside the next Capture; a non-nil
	// error is returned instead of the scripted result.
	onCapture func() error

	creates   atomic.Int32
	captures  atomic.Int32
	retrieves atomic.Int32
	// retrieveGate, when set, blocks Retrieve until it is closed.
	retrieveGate chan struct{}
}

func newFakeGateway(name domain.Gateway) *fakeGateway {
	return &fakeGateway{name: name, intents: map[string]string{}}
}

func (f *fakeGateway) Name() domain.Gateway { return f.name }

func (f *fakeGateway) CreateIntent(_ context.Context, order *domain.Order) (*gateway.RemoteIntent, error) {
	f.creates.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	id, ok := f.intents[order.ID]
	if !ok {
		id = "pi_" + order.ID
		f.intents[order.ID] = id
	}
	return &gateway.RemoteIntent{
		ID:     id,
		Handle: domain.PaymentHandle{Kind: domain.HandleClientSecret, Value: id + "_secret"},
		Status: "requires_payment_method",
		Raw:    `{"id":"` + id + `"}`,
	}, nil
}

func (f *fakeGateway) Capture(context.Context, string) (*gateway.CaptureResult, error) {
	f.captures.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if hook := f.onCapture; hook != nil {
		f.onCapture = nil
		if err := hook(); err != nil {
			return nil, err
		}
	}
	if f.capture == nil {
		return nil, errors.New("capture not scripted")
	}
	res := *f.capture
	return &res, nil
}

func (f *fakeGateway) Retrieve(ctx context.Context, remoteIntentID string) (*domain.GatewayEvent, error) {
	f.retrieves.Add(1)
	if f.retrieveGate != nil {
		<-f.retrieveGate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return nil, domain.ErrGatewayUnavailable
	}
	ev := *f.remote
	ev.RemoteIntentID = remoteIntentID
	return &ev, nil
}

func (f *fakeGateway) VerifyWebhook(context.Context, []byte, http.Header) bool { return true }

func (f *fakeGateway) ParseEvent([]byte) (*domain.GatewayEvent, error) {
	return nil, gateway.ErrUnsupportedEvent
}

func (f *fakeGateway) setRemote(ev *domain.GatewayEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = ev
}

func (f *fakeGateway) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

type grant struct {
	userID  string
	orderID string
}

type fakeEntitlements struct {
	mu     sync.Mutex
	grants []grant
	err    error
}

func (f *fakeEntitlements) Grant(_ context.Context, userID, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, grant{userID: userID, orderID: orderID})
	return f.err
}

func (f *fakeEntitlements) granted() []grant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]grant(nil), f.grants...)
}
