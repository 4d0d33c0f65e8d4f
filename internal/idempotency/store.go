// Package idempotency records the outcome of side-effecting operations so
// that retries and redeliveries observe the first result instead of
// repeating the effect.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"reconciler/internal/domain"
)

// DefaultTTL matches the redelivery window of the supported gateways.
const DefaultTTL = 24 * time.Hour

// DefaultPendingLease bounds how long an unfinished reservation blocks its
// key. It must outlast one gateway call including transport retries.
const DefaultPendingLease = 2 * time.Minute

// settleTimeout bounds Save and Release once they run detached from the
// caller's context.
const settleTimeout = 5 * time.Second

const pollInterval = 25 * time.Millisecond

// Reservation is the answer to Reserve. When AlreadyExists is false the
// caller owns the key and must either Save a result or Release it.
type Reservation struct {
	AlreadyExists bool
	PriorResult   []byte
}

// Store is implemented by every backend. Save and Release still reach the
// backend when ctx is already cancelled.
type Store interface {
	Reserve(ctx context.Context, key string) (Reservation, error)
	Save(ctx context.Context, key string, result []byte) error
	Release(ctx context.Context, key string) error
}

// Sweeper is implemented by stores whose records do not expire on their own.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Option tunes a store.
type Option func(*options)

type options struct {
	lease time.Duration
}

// WithPendingLease sets how long a reservation that was neither saved nor
// released keeps its key. Saved results keep the store TTL.
func WithPendingLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lease = d
		}
	}
}

func buildOptions(ttl time.Duration, opts []Option) options {
	o := options{lease: DefaultPendingLease}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl > 0 && o.lease > ttl {
		o.lease = ttl
	}
	return o
}

// settle detaches ctx from its cancellation so that a Save or Release after
// a failed operation still reaches the backend.
func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

type recordState int

const (
	stateMissing recordState = iota
	statePending
	stateDone
)

type lookupFunc func(ctx context.Context) (recordState, []byte, error)

type reserveFunc func(ctx context.Context) (bool, error)

// reserveOrWait is the reservation loop shared by every backend. It tries
// to claim the key; when another caller holds it, it polls until that
// caller saves a result, releases the key, or wait elapses.
func reserveOrWait(ctx context.Context, key string, wait time.Duration, tryReserve reserveFunc, lookup lookupFunc) (Reservation, error) {
	deadline := time.Now().Add(wait)
	for {
		claimed, err := tryReserve(ctx)
		if err != nil {
			return Reservation{}, fmt.Errorf("reserve %s: %w", key, err)
		}
		if claimed {
			return Reservation{}, nil
		}

		state, result, err := lookup(ctx)
		if err != nil {
			return Reservation{}, fmt.Errorf("lookup %s: %w", key, err)
		}
		switch state {
		case stateDone:
			return Reservation{AlreadyExists: true, PriorResult: result}, nil
		case stateMissing:
			// released or expired between the two calls; try to claim again
			continue
		}

		if time.Now().After(deadline) {
			return Reservation{}, fmt.Errorf("%w: %s", domain.ErrReservationInProgress, key)
		}
		select {
		case <-ctx.Done():
			return Reservation{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
