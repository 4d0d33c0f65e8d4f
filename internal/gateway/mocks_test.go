package gateway

import (
	"context"
	"net/http"
	"sync"

	"reconciler/internal/domain"
)

type fakeClient struct {
	mu       sync.Mutex
	name     domain.Gateway
	captures int
	results  []*CaptureResult
	err      error
	// onCapture runs before each capture returns; a non-nil error replaces
	// the scripted result.
	onCapture func() error
}

func (f *fakeClient) Name() domain.Gateway { return f.name }

func (f *fakeClient) CreateIntent(context.Context, *domain.Order) (*RemoteIntent, error) {
	return &RemoteIntent{ID: "pi_1"}, nil
}

func (f *fakeClient) Capture(context.Context, string) (*CaptureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.onCapture != nil {
		hook := f.onCapture
		f.onCapture = nil
		if err := hook(); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

func (f *fakeClient) Retrieve(context.Context, string) (*domain.GatewayEvent, error) {
	return &domain.GatewayEvent{}, nil
}

func (f *fakeClient) VerifyWebhook(context.Context, []byte, http.Header) bool { return true }

func (f *fakeClient) ParseEvent([]byte) (*domain.GatewayEvent, error) {
	return &domain.GatewayEvent{}, nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}
