package pipeline

import (
	"context"
	"slices"
	"sync"

	"github.com/Amund211/lantern/logging"
	"github.com/Amund211/lantern/ratelimit"
	"github.com/Amund211/lantern/scheduler"
)

// TaskFunc is one unit of underlying work. It runs at most once per
// coalescing node, receives the node's context (cancelled when the last
// subscriber detaches) and a Reporter for fanning out progress and partial
// results.
type TaskFunc[T any] func(ctx context.Context, report *Reporter[T]) (T, error)

// Outcome is the terminal event of a node, delivered exactly once to every
// subscriber.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Progress describes how far a transfer has come. Total is -1 when the
// source did not report a length.
type Progress struct {
	Completed int64
	Total     int64
}

type nodeState int

const (
	statePending nodeState = iota
	stateRunning
	stateCancelled
	stateCompleted
)

// node is the in-flight unit of work shared by all subscribers with the same
// key. The graph is the sole owner of node lifetime; subscribers only hold a
// back-reference that the graph consults under its mutex.
type node[T any] struct {
	key         string
	state       nodeState
	subscribers []*Subscription[T] // registration order
	priority    scheduler.Priority // max over subscribers
	handle      *scheduler.Handle

	ctx    context.Context
	cancel context.CancelFunc

	// onPriority lets a running task react to effective-priority changes,
	// e.g. to promote a dependent fetch node. Called outside the graph mutex.
	onPriority func(scheduler.Priority)
}

// GraphOptions configures a Graph.
type GraphOptions struct {
	// Limiter gates node starts. Nil disables rate limiting.
	Limiter *ratelimit.Limiter
	// DisableCoalescing makes every Start create its own node.
	DisableCoalescing bool
	// Name identifies the graph in logs.
	Name string
}

// Graph coalesces work by key: all Start calls with the same key share one
// in-flight node, and the underlying work is cancelled only when the last
// subscriber detaches. All methods are safe for concurrent use.
type Graph[T any] struct {
	mu    sync.Mutex
	nodes map[string]*node[T]

	scheduler  *scheduler.Scheduler
	limiter    *ratelimit.Limiter
	coalescing bool
	name       string
}

// NewGraph creates a Graph dispatching work onto sched.
func NewGraph[T any](sched *scheduler.Scheduler, opts GraphOptions) *Graph[T] {
	name := opts.Name
	if name == "" {
		name = "graph"
	}
	return &Graph[T]{
		nodes:      make(map[string]*node[T]),
		scheduler:  sched,
		limiter:    opts.Limiter,
		coalescing: !opts.DisableCoalescing,
		name:       name,
	}
}

// Start subscribes to the node for key, creating it if no pending or running
// node exists. factory is invoked exactly once per node, never once per
// subscriber. The node's effective priority is the max over its subscribers;
// attaching with a higher priority promotes the pending scheduler item.
//
// ctx only contributes its values (logger, reporting scope) to the node; node
// cancellation is driven by subscribers detaching, not by ctx.
func (g *Graph[T]) Start(ctx context.Context, key string, priority scheduler.Priority, factory func() TaskFunc[T]) *Subscription[T] {
	sub := newSubscription[T](g, priority)

	g.mu.Lock()
	if g.coalescing {
		if n, ok := g.nodes[key]; ok && (n.state == statePending || n.state == stateRunning) {
			n.subscribers = append(n.subscribers, sub)
			sub.node = n
			raised := priority > n.priority
			if raised {
				n.priority = priority
			}
			handle := n.handle
			notify := n.onPriority
			g.mu.Unlock()

			if raised {
				if handle != nil {
					g.scheduler.UpdatePriority(handle, priority)
				}
				if notify != nil {
					notify(priority)
				}
			}
			metrics.attachCount.Add(ctx, 1, g.metricAttributes())
			return sub
		}
	}

	nodeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n := &node[T]{
		key:      key,
		state:    statePending,
		priority: priority,
		ctx:      nodeCtx,
		cancel:   cancel,
	}
	n.subscribers = []*Subscription[T]{sub}
	sub.node = n
	if g.coalescing {
		g.nodes[key] = n
	}
	g.mu.Unlock()

	task := factory()
	go g.launch(n, task)

	metrics.nodeCount.Add(ctx, 1, g.metricAttributes())
	return sub
}

// launch gates the node through the rate limiter and hands the work to the
// scheduler. Runs on its own goroutine so Start never blocks on a token.
func (g *Graph[T]) launch(n *node[T], task TaskFunc[T]) {
	if g.limiter != nil {
		ran, err := g.limiter.Execute(n.ctx, func() bool {
			g.mu.Lock()
			defer g.mu.Unlock()
			return n.state == statePending
		})
		if err != nil || !ran {
			// Cancelled while waiting for a token; unsubscribe already tore
			// the node down and nobody is left to notify.
			return
		}
	}

	g.mu.Lock()
	if n.state != statePending {
		g.mu.Unlock()
		return
	}
	priority := n.priority
	g.mu.Unlock()

	handle := g.scheduler.Enqueue(priority, func(context.Context) {
		g.run(n, task)
	})
	if handle == nil {
		var zero T
		g.complete(n, zero, ErrClosed)
		return
	}

	g.mu.Lock()
	if n.state == stateCancelled {
		g.mu.Unlock()
		g.scheduler.Cancel(handle)
		return
	}
	n.handle = handle
	if n.priority == priority {
		g.mu.Unlock()
		return
	}
	// Priority was raised between the snapshot and the enqueue.
	raised := n.priority
	g.mu.Unlock()
	g.scheduler.UpdatePriority(handle, raised)
}

func (g *Graph[T]) run(n *node[T], task TaskFunc[T]) {
	g.mu.Lock()
	if n.state != statePending {
		g.mu.Unlock()
		return
	}
	n.state = stateRunning
	g.mu.Unlock()

	value, err := task(n.ctx, &Reporter[T]{graph: g, node: n})
	g.complete(n, value, err)
}

// complete delivers the terminal outcome to every subscriber in registration
// order and removes the node. Removal and delivery happen under the same
// mutex that guards attach, so no subscriber can join a node that is in the
// middle of delivering its terminal event.
func (g *Graph[T]) complete(n *node[T], value T, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n.state == stateCancelled || n.state == stateCompleted {
		return
	}
	n.state = stateCompleted
	if g.coalescing {
		delete(g.nodes, n.key)
	}

	outcome := Outcome[T]{Value: value, Err: err}
	for _, sub := range n.subscribers {
		// Result has capacity 1 and is only ever sent to once.
		sub.result <- outcome
		sub.finish()
	}
	n.subscribers = nil
	n.cancel()

	if err != nil {
		logging.FromContext(n.ctx).Error("task failed", "graph", g.name, "key", n.key, "error", err.Error())
	}
	metrics.completeCount.Add(n.ctx, 1, g.metricOutcomeAttributes(err))
}

// unsubscribe detaches sub from its node. Detaching the last subscriber
// cancels the underlying work; the departed subscriber receives no events
// either way.
func (g *Graph[T]) unsubscribe(sub *Subscription[T]) {
	g.mu.Lock()

	n := sub.node
	if n == nil || n.state == stateCancelled || n.state == stateCompleted {
		g.mu.Unlock()
		return
	}
	idx := slices.Index(n.subscribers, sub)
	if idx < 0 {
		g.mu.Unlock()
		return
	}
	n.subscribers = slices.Delete(n.subscribers, idx, idx+1)
	sub.finish()

	if len(n.subscribers) == 0 {
		n.state = stateCancelled
		if g.coalescing {
			delete(g.nodes, n.key)
		}
		handle := n.handle
		g.mu.Unlock()

		if handle != nil {
			g.scheduler.Cancel(handle)
		}
		n.cancel()
		logging.FromContext(n.ctx).Debug(
			"last subscriber detached, work cancelled",
			"graph", g.name, "key", n.key, "subscriptionID", sub.id.String(),
		)
		return
	}

	// Symmetric with promotion on attach: the effective priority is the max
	// over the remaining subscribers.
	newPriority := n.subscribers[0].priority
	for _, remaining := range n.subscribers[1:] {
		if remaining.priority > newPriority {
			newPriority = remaining.priority
		}
	}
	changed := newPriority != n.priority
	if changed {
		n.priority = newPriority
	}
	handle := n.handle
	notify := n.onPriority
	g.mu.Unlock()

	if changed {
		if handle != nil {
			g.scheduler.UpdatePriority(handle, newPriority)
		}
		if notify != nil {
			notify(newPriority)
		}
	}
}

// setPriority updates one subscriber's priority contribution and propagates
// the node's new effective priority.
func (g *Graph[T]) setPriority(sub *Subscription[T], priority scheduler.Priority) {
	g.mu.Lock()

	sub.priority = priority
	n := sub.node
	if n == nil || n.state == stateCancelled || n.state == stateCompleted {
		g.mu.Unlock()
		return
	}

	newPriority := n.subscribers[0].priority
	for _, s := range n.subscribers[1:] {
		if s.priority > newPriority {
			newPriority = s.priority
		}
	}
	if newPriority == n.priority {
		g.mu.Unlock()
		return
	}
	n.priority = newPriority
	handle := n.handle
	notify := n.onPriority
	g.mu.Unlock()

	if handle != nil {
		g.scheduler.UpdatePriority(handle, newPriority)
	}
	if notify != nil {
		notify(newPriority)
	}
}

// InFlight returns the number of pending or running nodes.
func (g *Graph[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}
