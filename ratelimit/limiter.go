// Package ratelimit gates work starts behind a token bucket.
//
// The bucket starts full, so bursts up to the configured size run with zero
// delay; sustained demand is smoothed to the refill rate. Refill is computed
// lazily from elapsed time at each check, never by a background timer.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

type RefillPerSecond float64
type BurstSize int

// Limiter is a single token bucket. All methods are safe for concurrent use.
type Limiter struct {
	limiter *rate.Limiter

	nowFunc   func() time.Time
	afterFunc func(time.Duration) <-chan time.Time
}

// NewTokenBucketLimiter creates a Limiter with a full bucket of burstSize
// tokens refilled at refillPerSecond.
func NewTokenBucketLimiter(refillPerSecond RefillPerSecond, burstSize BurstSize) *Limiter {
	return newTokenBucketLimiter(refillPerSecond, burstSize, time.Now, time.After)
}

func newTokenBucketLimiter(
	refillPerSecond RefillPerSecond,
	burstSize BurstSize,
	nowFunc func() time.Time,
	afterFunc func(time.Duration) <-chan time.Time,
) *Limiter {
	if burstSize < 1 {
		burstSize = 1
	}
	return &Limiter{
		limiter:   rate.NewLimiter(rate.Limit(refillPerSecond), int(burstSize)),
		nowFunc:   nowFunc,
		afterFunc: afterFunc,
	}
}

// Allow consumes a token if one is available and reports whether it did.
func (l *Limiter) Allow() bool {
	return l.limiter.AllowN(l.nowFunc(), 1)
}

// Execute reserves a token, waits out any required delay, and then runs
// attempt. attempt returning false means the caller decided not to proceed
// after all (e.g. it was cancelled in the interim); the reservation is
// returned and no token is consumed.
//
// Returns whether attempt ran and returned true. The only error is the
// context's, when cancellation interrupts the wait.
func (l *Limiter) Execute(ctx context.Context, attempt func() bool) (bool, error) {
	reservation := l.limiter.ReserveN(l.nowFunc(), 1)
	if !reservation.OK() {
		// Unreachable with burst >= 1, but don't wait forever if it happens.
		return false, nil
	}

	if delay := reservation.DelayFrom(l.nowFunc()); delay > 0 {
		select {
		case <-ctx.Done():
			reservation.CancelAt(l.nowFunc())
			return false, ctx.Err()
		case <-l.afterFunc(delay):
		}
	}

	if !attempt() {
		reservation.CancelAt(l.nowFunc())
		return false, nil
	}
	return true, nil
}
