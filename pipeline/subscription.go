package pipeline

import (
	"sync"

	"github.com/Amund211/lantern/scheduler"
	"github.com/google/uuid"
)

const progressBuffer = 16

// Subscription is one consumer's attachment to a coalescing node.
//
// Progress and Partial are fire-and-forget: a slow consumer misses
// intermediate events rather than slowing down the other subscribers. The
// terminal Outcome is never dropped: Result yields exactly one value before
// being closed, unless the subscription is cancelled first, in which case all
// channels are closed without a value.
type Subscription[T any] struct {
	graph *Graph[T]
	node  *node[T]
	id    uuid.UUID

	// priority is this subscriber's contribution to the node's effective
	// priority. Guarded by the graph mutex.
	priority scheduler.Priority

	progress chan Progress
	partial  chan T
	result   chan Outcome[T]

	cancelOnce sync.Once
	finished   bool // guarded by the graph mutex
}

func newSubscription[T any](g *Graph[T], priority scheduler.Priority) *Subscription[T] {
	return &Subscription[T]{
		graph:    g,
		id:       uuid.New(),
		priority: priority,
		progress: make(chan Progress, progressBuffer),
		partial:  make(chan T, 1),
		result:   make(chan Outcome[T], 1),
	}
}

// newCompletedSubscription returns a subscription whose result is already
// available, for requests served synchronously from cache.
func newCompletedSubscription[T any](value T) *Subscription[T] {
	s := &Subscription[T]{
		id:       uuid.New(),
		progress: make(chan Progress),
		partial:  make(chan T),
		result:   make(chan Outcome[T], 1),
	}
	s.result <- Outcome[T]{Value: value}
	s.finished = true
	close(s.result)
	close(s.progress)
	close(s.partial)
	return s
}

// Progress yields transfer progress events in chronological order.
func (s *Subscription[T]) Progress() <-chan Progress {
	return s.progress
}

// Partial yields intermediate typed results, latest wins.
func (s *Subscription[T]) Partial() <-chan T {
	return s.partial
}

// Result yields the terminal outcome.
func (s *Subscription[T]) Result() <-chan Outcome[T] {
	return s.result
}

// ID identifies this subscription for logging.
func (s *Subscription[T]) ID() uuid.UUID {
	return s.id
}

// Cancel detaches from the node. If this was the last subscriber the
// underlying work is cancelled; otherwise it continues for the others. After
// Cancel no events are delivered and all channels are closed.
func (s *Subscription[T]) Cancel() {
	s.cancelOnce.Do(func() {
		if s.graph != nil {
			s.graph.unsubscribe(s)
		}
	})
}

// SetPriority changes this subscriber's priority contribution. Raising it can
// promote the node's pending scheduler item; it never preempts running work.
func (s *Subscription[T]) SetPriority(priority scheduler.Priority) {
	if s.graph != nil {
		s.graph.setPriority(s, priority)
	}
}

// finish closes the event channels. Callers must hold the graph mutex, which
// also guards every send, so a close can never race a send.
func (s *Subscription[T]) finish() {
	if s.finished {
		return
	}
	s.finished = true
	close(s.result)
	close(s.progress)
	close(s.partial)
}

// Reporter fans events out from a running task to the node's current
// subscribers, in registration order, without blocking on any of them.
type Reporter[T any] struct {
	graph *Graph[T]
	node  *node[T]
}

// Progress broadcasts a progress event.
func (r *Reporter[T]) Progress(completed, total int64) {
	g := r.graph
	g.mu.Lock()
	defer g.mu.Unlock()

	event := Progress{Completed: completed, Total: total}
	for _, sub := range r.node.subscribers {
		select {
		case sub.progress <- event:
		default:
			// Slow subscriber; drop rather than block the transfer.
		}
	}
}

// Partial broadcasts an intermediate typed result. Only the latest partial is
// retained per subscriber.
func (r *Reporter[T]) Partial(value T) {
	g := r.graph
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, sub := range r.node.subscribers {
		select {
		case sub.partial <- value:
		default:
			// Replace a stale partial the subscriber has not consumed yet.
			select {
			case <-sub.partial:
			default:
			}
			select {
			case sub.partial <- value:
			default:
			}
		}
	}
}

// OnPriorityChange registers a callback invoked (outside the graph mutex)
// whenever the node's effective priority changes, so the task can promote
// work it depends on.
func (r *Reporter[T]) OnPriorityChange(fn func(scheduler.Priority)) {
	g := r.graph
	g.mu.Lock()
	defer g.mu.Unlock()
	r.node.onPriority = fn
}

// Priority returns the node's current effective priority.
func (r *Reporter[T]) Priority() scheduler.Priority {
	g := r.graph
	g.mu.Lock()
	defer g.mu.Unlock()
	return r.node.priority
}
