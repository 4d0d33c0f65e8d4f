package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"reconciler/internal/domain"
)

const maxResponseBytes = 1 << 20

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Gateway    domain.Gateway
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s gateway returned HTTP %d: %s", e.Gateway, e.StatusCode, e.Body)
}

// Retryable is true for server-side failures. Every 4xx answer is final,
// throttling included.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500
}

// Overloaded reports answers that count against the circuit breaker.
func (e *APIError) Overloaded() bool {
	return e.Retryable() || e.StatusCode == http.StatusTooManyRequests
}

type TransportConfig struct {
	BaseURL         string
	Timeout         time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport sends provider requests with a per-attempt timeout, bounded
// exponential retries on transient failures, and a circuit breaker.
type Transport struct {
	name    domain.Gateway
	cfg     TransportConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*Response]
	logger  *zap.Logger
}

func NewTransport(name domain.Gateway, cfg TransportConfig, client *http.Client, logger *zap.Logger) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breaker := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:    string(name),
		Timeout: cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Overloaded()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Gateway circuit breaker changed state",
				zap.String("gateway", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Transport{
		name:    name,
		cfg:     cfg,
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
}

// Do performs the request. Exhausted retries and an open breaker surface as
// domain.ErrGatewayUnavailable; final 4xx answers are returned as *APIError.
func (t *Transport) Do(ctx context.Context, method, path string, body []byte, header http.Header) (*Response, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = t.cfg.InitialBackoff
	expo.MaxInterval = 2 * time.Second
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(t.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	resp, err := backoff.RetryWithData(func() (*Response, error) {
		attempt++
		resp, err := t.breaker.Execute(func() (*Response, error) {
			return t.send(ctx, method, path, body, header)
		})
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, backoff.Permanent(err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return nil, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		t.logger.Warn("Gateway request failed, will retry if attempts remain",
			zap.String("gateway", string(t.name)),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return nil, err
	}, policy)
	if err == nil {
		return resp, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, ctxErr)
	}
	return nil, fmt.Errorf("%w: %s %s %s after %d attempt(s): %v", domain.ErrGatewayUnavailable, t.name, method, path, attempt, err)
}

func (t *Transport) send(ctx context.Context, method, path string, body []byte, header http.Header) (*Response, error) {
	attemptCtx := ctx
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, strings.TrimRight(t.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, &APIError{Gateway: t.name, StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: respBody}, nil
}
