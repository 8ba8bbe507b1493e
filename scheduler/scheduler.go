// Package scheduler implements a bounded-concurrency executor with five
// discrete priority bands.
//
// Work is dispatched strictly by priority: when a slot frees up the scheduler
// scans bands from highest to lowest and runs the oldest item in the first
// non-empty band. There is no starvation prevention beyond priority
// promotion, which callers are expected to use for long-waiting low-priority
// work. Running work is never preempted; priority updates only affect the
// next dispatch decision.
package scheduler

import (
	"context"
	"sync"
)

// Priority selects the band a work item waits in.
type Priority int

const (
	PriorityVeryLow Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityVeryHigh

	numPriorities = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityVeryLow:
		return "veryLow"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityVeryHigh:
		return "veryHigh"
	}
	return "unknown"
}

// clamp keeps out-of-range priorities usable instead of panicking on a bad
// band index.
func (p Priority) clamp() Priority {
	if p < PriorityVeryLow {
		return PriorityVeryLow
	}
	if p > PriorityVeryHigh {
		return PriorityVeryHigh
	}
	return p
}

// Work is a unit of deferred work. The context is cancelled when the item is
// cancelled while running; work is expected to observe it cooperatively at
// every blocking point.
type Work func(ctx context.Context)

type itemState int

const (
	stateQueued itemState = iota
	stateRunning
	stateFinished
	stateCancelled
)

type item struct {
	priority Priority
	work     Work
	state    itemState
	cancel   context.CancelFunc // set while running
}

// Handle identifies an enqueued work item.
type Handle struct {
	s *Scheduler
	i *item
}

// Scheduler runs enqueued work with bounded concurrency. All methods are safe
// for concurrent use.
type Scheduler struct {
	mu            sync.Mutex
	bands         [numPriorities][]*item
	active        int
	maxConcurrent int
	closed        bool

	// idle is broadcast whenever active work completes; Wait uses it.
	idle *sync.Cond
}

// New creates a Scheduler running at most maxConcurrent items at a time.
func New(maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	s := &Scheduler{maxConcurrent: maxConcurrent}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Enqueue adds work at the given priority and returns a handle for later
// promotion or cancellation. Returns nil if the scheduler is closed.
func (s *Scheduler) Enqueue(priority Priority, work Work) *Handle {
	priority = priority.clamp()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	it := &item{priority: priority, work: work}
	s.bands[priority] = append(s.bands[priority], it)
	s.dispatchLocked()
	s.mu.Unlock()

	return &Handle{s: s, i: it}
}

// UpdatePriority moves a pending item to a different band. It is a no-op for
// items that are already running, finished, or cancelled: running work cannot
// be preempted.
func (s *Scheduler) UpdatePriority(h *Handle, priority Priority) {
	if h == nil {
		return
	}
	priority = priority.clamp()

	s.mu.Lock()
	defer s.mu.Unlock()

	if h.i.state != stateQueued || h.i.priority == priority {
		return
	}
	s.removeFromBandLocked(h.i)
	h.i.priority = priority
	s.bands[priority] = append(s.bands[priority], h.i)
	s.dispatchLocked()
}

// Cancel removes a pending item from its queue, or cancels the context of a
// running item so it can stop cooperatively. Reports whether the item was
// still pending.
func (s *Scheduler) Cancel(h *Handle) bool {
	if h == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch h.i.state {
	case stateQueued:
		s.removeFromBandLocked(h.i)
		h.i.state = stateCancelled
		h.i.work = nil
		s.idle.Broadcast()
		return true
	case stateRunning:
		if h.i.cancel != nil {
			h.i.cancel()
		}
		return false
	default:
		return false
	}
}

// Close cancels all pending work and stops accepting new work. Running work
// keeps its slot until it returns.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for band := range s.bands {
		for _, it := range s.bands[band] {
			it.state = stateCancelled
			it.work = nil
		}
		s.bands[band] = nil
	}
	s.idle.Broadcast()
}

// Wait blocks until no work is running or pending. Intended for tests and
// shutdown paths.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active > 0 || s.pendingLocked() > 0 {
		s.idle.Wait()
	}
}

// ActiveCount returns the number of currently running items.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// PendingCount returns the number of items waiting in all bands.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

// -------------------- internals (mu held) --------------------

func (s *Scheduler) pendingLocked() int {
	var n int
	for band := range s.bands {
		n += len(s.bands[band])
	}
	return n
}

func (s *Scheduler) removeFromBandLocked(it *item) {
	band := s.bands[it.priority]
	for i, candidate := range band {
		if candidate == it {
			s.bands[it.priority] = append(band[:i], band[i+1:]...)
			return
		}
	}
}

// dispatchLocked fills free slots with the oldest item from the highest
// non-empty band.
func (s *Scheduler) dispatchLocked() {
	for s.active < s.maxConcurrent {
		it := s.nextLocked()
		if it == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		it.state = stateRunning
		it.cancel = cancel
		s.active++

		work := it.work
		it.work = nil

		go func() {
			defer cancel()
			work(ctx)

			s.mu.Lock()
			it.state = stateFinished
			s.active--
			s.dispatchLocked()
			s.idle.Broadcast()
			s.mu.Unlock()
		}()
	}
}

func (s *Scheduler) nextLocked() *item {
	for band := numPriorities - 1; band >= 0; band-- {
		if len(s.bands[band]) > 0 {
			it := s.bands[band][0]
			s.bands[band] = s.bands[band][1:]
			return it
		}
	}
	return nil
}
