package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockSlot occupies the scheduler's only slot until release is called, so
// tests can enqueue pending work deterministically.
func blockSlot(t *testing.T, s *Scheduler) (release func()) {
	t.Helper()

	started := make(chan struct{})
	gate := make(chan struct{})
	h := s.Enqueue(PriorityVeryHigh, func(ctx context.Context) {
		close(started)
		<-gate
	})
	require.NotNil(t, h)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("blocker never started")
	}
	return func() { close(gate) }
}

func TestSchedulerRunsByPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	s := New(1)
	defer s.Close()
	release := blockSlot(t, s)

	var mu sync.Mutex
	var order []string
	record := func(name string) Work {
		return func(ctx context.Context) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}

	s.Enqueue(PriorityLow, record("low1"))
	s.Enqueue(PriorityNormal, record("normal1"))
	s.Enqueue(PriorityNormal, record("normal2"))
	s.Enqueue(PriorityHigh, record("high1"))
	s.Enqueue(PriorityLow, record("low2"))

	release()
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high1", "normal1", "normal2", "low1", "low2"}, order)
}

func TestSchedulerPriorityPromotion(t *testing.T) {
	t.Parallel()

	s := New(1)
	defer s.Close()
	release := blockSlot(t, s)

	var mu sync.Mutex
	var order []string
	record := func(name string) Work {
		return func(ctx context.Context) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}

	s.Enqueue(PriorityNormal, record("normal1"))
	s.Enqueue(PriorityNormal, record("normal2"))
	promoted := s.Enqueue(PriorityLow, record("promoted"))

	s.UpdatePriority(promoted, PriorityHigh)

	release()
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "promoted", order[0], "promoted item should run before earlier normal-priority items")
}

func TestSchedulerUpdatePriorityNoopWhenRunning(t *testing.T) {
	t.Parallel()

	s := New(1)
	defer s.Close()

	started := make(chan struct{})
	gate := make(chan struct{})
	h := s.Enqueue(PriorityNormal, func(ctx context.Context) {
		close(started)
		<-gate
	})
	<-started

	// Must not panic or re-queue the running item.
	s.UpdatePriority(h, PriorityVeryHigh)
	assert.Equal(t, 1, s.ActiveCount())
	assert.Equal(t, 0, s.PendingCount())

	close(gate)
	s.Wait()
}

func TestSchedulerBoundedConcurrency(t *testing.T) {
	t.Parallel()

	const maxConcurrent = 3
	s := New(maxConcurrent)
	defer s.Close()

	var active, peak atomic.Int64
	gate := make(chan struct{})

	for i := 0; i < 10; i++ {
		s.Enqueue(PriorityNormal, func(ctx context.Context) {
			current := active.Add(1)
			for {
				known := peak.Load()
				if current <= known || peak.CompareAndSwap(known, current) {
					break
				}
			}
			<-gate
			active.Add(-1)
		})
	}

	// Let the dispatcher fill all slots. Wait on the workers' own counter:
	// ActiveCount is incremented at dispatch, before the worker goroutines
	// have necessarily entered their bodies, so it can be maxConcurrent
	// while no worker has recorded itself yet.
	require.Eventually(t, func() bool {
		return active.Load() == int64(maxConcurrent)
	}, time.Second, time.Millisecond)

	close(gate)
	s.Wait()

	assert.Equal(t, int64(maxConcurrent), peak.Load())
}

func TestSchedulerCancelBeforeStart(t *testing.T) {
	t.Parallel()

	s := New(1)
	defer s.Close()
	release := blockSlot(t, s)

	ran := atomic.Bool{}
	h := s.Enqueue(PriorityNormal, func(ctx context.Context) {
		ran.Store(true)
	})

	assert.True(t, s.Cancel(h), "cancelling a pending item should report pending")
	assert.False(t, s.Cancel(h), "second cancel should be a no-op")

	release()
	s.Wait()

	assert.False(t, ran.Load(), "cancelled work must never run")
}

func TestSchedulerCancelRunningCancelsContext(t *testing.T) {
	t.Parallel()

	s := New(1)
	defer s.Close()

	started := make(chan struct{})
	stopped := make(chan struct{})
	h := s.Enqueue(PriorityNormal, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(stopped)
	})
	<-started

	assert.False(t, s.Cancel(h), "cancelling running work should report not-pending")

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("running work never observed cancellation")
	}
	s.Wait()
}

func TestSchedulerClose(t *testing.T) {
	t.Parallel()

	s := New(1)
	release := blockSlot(t, s)

	ran := atomic.Bool{}
	s.Enqueue(PriorityNormal, func(ctx context.Context) {
		ran.Store(true)
	})

	s.Close()
	release()
	s.Wait()

	assert.False(t, ran.Load(), "pending work must not run after Close")
	assert.Nil(t, s.Enqueue(PriorityNormal, func(ctx context.Context) {}), "closed scheduler should refuse new work")
}
