package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock freezes time and records every wait requested through After, so
// tests can assert delays without sleeping.
type fakeClock struct {
	mu      sync.Mutex
	current time.Time
	waits   []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.current = c.current.Add(d)
	now := c.current
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration{}, c.waits...)
}

func TestLimiterBurstRunsWithZeroDelay(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := newTokenBucketLimiter(1, 5, clock.Now, clock.After)

	for i := 0; i < 5; i++ {
		ran, err := limiter.Execute(context.Background(), func() bool { return true })
		require.NoError(t, err)
		require.True(t, ran)
	}

	assert.Empty(t, clock.Waits(), "the first burstSize executions should not wait")
}

func TestLimiterSixthCallWaitsForRefill(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := newTokenBucketLimiter(1, 5, clock.Now, clock.After)

	for i := 0; i < 5; i++ {
		ran, err := limiter.Execute(context.Background(), func() bool { return true })
		require.NoError(t, err)
		require.True(t, ran)
	}

	ran, err := limiter.Execute(context.Background(), func() bool { return true })
	require.NoError(t, err)
	require.True(t, ran)

	waits := clock.Waits()
	require.Len(t, waits, 1)
	assert.InDelta(t, float64(time.Second), float64(waits[0]), float64(10*time.Millisecond))
}

func TestLimiterDeclinedAttemptConsumesNoToken(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := newTokenBucketLimiter(1, 1, clock.Now, clock.After)

	ran, err := limiter.Execute(context.Background(), func() bool { return false })
	require.NoError(t, err)
	assert.False(t, ran)

	// The declined attempt returned its token, so this runs immediately.
	ran, err = limiter.Execute(context.Background(), func() bool { return true })
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Empty(t, clock.Waits())
}

func TestLimiterRefillOverTime(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := newTokenBucketLimiter(1, 1, clock.Now, clock.After)

	require.True(t, limiter.Allow())
	require.False(t, limiter.Allow(), "bucket should be empty")

	clock.Advance(time.Second)

	assert.True(t, limiter.Allow(), "a token should have been refilled lazily")
}

func TestLimiterExecuteCancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	limiter := NewTokenBucketLimiter(0.001, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran, err := limiter.Execute(ctx, func() bool {
		t.Fatal("attempt must not run after cancellation")
		return true
	})
	assert.False(t, ran)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyedLimitersAreIndependent(t *testing.T) {
	t.Parallel()

	keyed, stop := NewKeyed(0.001, 1, time.Minute)
	defer stop()

	require.True(t, keyed.Allow("hosta"))
	require.False(t, keyed.Allow("hosta"), "hosta's bucket should be empty")

	assert.True(t, keyed.Allow("hostb"), "hostb must not be affected by hosta's bucket")
}

func TestKeyedExecute(t *testing.T) {
	t.Parallel()

	keyed, stop := NewKeyed(1, 5, time.Minute)
	defer stop()

	ran, err := keyed.Execute(context.Background(), "host", func() bool { return true })
	require.NoError(t, err)
	assert.True(t, ran)
}
