// Package cache implements a bounded, concurrency-safe LRU cache with
// cost and count limits and optional per-entry TTL.
//
// The cache keeps every entry both in a hash index (O(1) lookup) and in an
// intrusive doubly linked list ordered by recency (head = MRU, tail = LRU).
// A single mutex guards the pair: list operations are O(1), and correctness
// requires the index and the list to move together atomically.
package cache

import (
	"sync"
	"time"
)

// DefaultMaxEntryFraction is the largest fraction of the cost limit a single
// entry may occupy. Entries above the resulting cap are refused outright
// rather than allowed to dominate the cache.
const DefaultMaxEntryFraction = 0.1

// DefaultTrimFraction is the fraction of each limit the cache trims to when
// reacting to memory pressure or backgrounding. Trimming to a fraction
// preserves a hot working set instead of clearing everything.
const DefaultTrimFraction = 0.1

// Options configures a Cache. The zero value of an optional field selects the
// documented default.
type Options struct {
	// CostLimit bounds the sum of entry costs. Zero disables cost limiting.
	CostLimit int64
	// CountLimit bounds the number of entries. Zero disables count limiting.
	CountLimit int
	// DefaultTTL applies to entries inserted with Set. Zero means no expiry.
	DefaultTTL time.Duration
	// MaxEntryFraction caps a single entry's cost at
	// CostLimit*MaxEntryFraction. Zero selects DefaultMaxEntryFraction.
	MaxEntryFraction float64
	// TrimFraction is the fraction of each limit kept by OnMemoryPressure
	// and OnBackground. Zero selects DefaultTrimFraction.
	TrimFraction float64
	// Metrics receives hit/miss/eviction callbacks. Nil selects NoopMetrics.
	Metrics Metrics
	// NowFunc is the clock used for TTL checks. Nil selects time.Now.
	NowFunc func() time.Time
}

// Cache is a bounded LRU cache. All methods are safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	index map[K]*entry[K, V]
	head  *entry[K, V] // MRU
	tail  *entry[K, V] // LRU

	count     int
	totalCost int64

	costLimit    int64
	countLimit   int
	maxEntryCost int64
	trimFraction float64
	defaultTTL   time.Duration

	metrics Metrics
	nowFunc func() time.Time
}

// New constructs a Cache from opts.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	maxEntryFraction := opts.MaxEntryFraction
	if maxEntryFraction == 0 {
		maxEntryFraction = DefaultMaxEntryFraction
	}
	trimFraction := opts.TrimFraction
	if trimFraction == 0 {
		trimFraction = DefaultTrimFraction
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	nowFunc := opts.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}

	var maxEntryCost int64
	if opts.CostLimit > 0 {
		maxEntryCost = int64(float64(opts.CostLimit) * maxEntryFraction)
	}

	return &Cache[K, V]{
		index:        make(map[K]*entry[K, V]),
		costLimit:    opts.CostLimit,
		countLimit:   opts.CountLimit,
		maxEntryCost: maxEntryCost,
		trimFraction: trimFraction,
		defaultTTL:   opts.DefaultTTL,
		metrics:      metrics,
		nowFunc:      nowFunc,
	}
}

// Get returns the value for key and promotes the entry to most-recently-used.
// An expired entry is evicted and reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if !ok {
		c.metrics.Miss()
		var zero V
		return zero, false
	}
	if c.expiredLocked(e) {
		c.evictLocked(e, EvictReasonExpired)
		c.metrics.Miss()
		var zero V
		return zero, false
	}

	c.moveToFrontLocked(e)
	c.metrics.Hit()
	return e.value, true
}

// Set inserts or updates key with the cache's default TTL.
func (c *Cache[K, V]) Set(key K, value V, cost int64) {
	c.SetWithTTL(key, value, cost, c.defaultTTL)
}

// SetWithTTL inserts or updates key with a per-entry TTL. A non-positive ttl
// disables expiry for this entry.
//
// Entries whose cost exceeds the per-entry cap are silently refused. This is
// a policy rejection, not an error: callers must not rely on the entry being
// resident afterwards.
func (c *Cache[K, V]) SetWithTTL(key K, value V, cost int64, ttl time.Duration) {
	if cost < 0 {
		cost = 0
	}
	if c.maxEntryCost > 0 && cost > c.maxEntryCost {
		c.metrics.Rejected()
		return
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.nowFunc().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.index[key]; ok {
		c.totalCost += cost - e.cost
		e.value = value
		e.cost = cost
		e.expiresAt = expiresAt
		c.moveToFrontLocked(e)
		c.enforceLimitsLocked()
		return
	}

	e := &entry[K, V]{key: key, value: value, cost: cost, expiresAt: expiresAt}
	c.index[key] = e
	c.insertFrontLocked(e)
	c.enforceLimitsLocked()
}

// Remove deletes key if present and reports whether it existed.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if !ok {
		return false
	}
	c.removeLocked(e)
	return true
}

// RemoveAll drops every entry.
func (c *Cache[K, V]) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index = make(map[K]*entry[K, V])
	c.head = nil
	c.tail = nil
	c.count = 0
	c.totalCost = 0
}

// TrimToCost evicts least-recently-used entries until the total cost is at
// most limit.
func (c *Cache[K, V]) TrimToCost(limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit < 0 {
		limit = 0
	}
	for c.tail != nil && c.totalCost > limit {
		c.evictLocked(c.tail, EvictReasonTrim)
	}
}

// TrimToCount evicts least-recently-used entries until at most limit entries
// remain.
func (c *Cache[K, V]) TrimToCount(limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit < 0 {
		limit = 0
	}
	for c.tail != nil && c.count > limit {
		c.evictLocked(c.tail, EvictReasonTrim)
	}
}

// OnMemoryPressure reacts to an external memory-pressure signal by trimming
// to a fraction of each configured limit.
func (c *Cache[K, V]) OnMemoryPressure() {
	c.partialTrim()
}

// OnBackground reacts to the process moving to the background by trimming to
// a fraction of each configured limit.
func (c *Cache[K, V]) OnBackground() {
	c.partialTrim()
}

func (c *Cache[K, V]) partialTrim() {
	if c.costLimit > 0 {
		c.TrimToCost(int64(float64(c.costLimit) * c.trimFraction))
	}
	if c.countLimit > 0 {
		c.TrimToCount(int(float64(c.countLimit) * c.trimFraction))
	}
}

// Len returns the number of resident entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// TotalCost returns the sum of resident entry costs.
func (c *Cache[K, V]) TotalCost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalCost
}

// -------------------- internals (mu held) --------------------

func (c *Cache[K, V]) expiredLocked(e *entry[K, V]) bool {
	if e.expiresAt.IsZero() {
		return false
	}
	return c.nowFunc().After(e.expiresAt)
}

// enforceLimitsLocked evicts from the LRU end until both limits hold. It runs
// synchronously after every insert so the invariants hold on return.
func (c *Cache[K, V]) enforceLimitsLocked() {
	if c.countLimit > 0 {
		for c.tail != nil && c.count > c.countLimit {
			c.evictLocked(c.tail, EvictReasonCount)
		}
	}
	if c.costLimit > 0 {
		for c.tail != nil && c.totalCost > c.costLimit {
			c.evictLocked(c.tail, EvictReasonCost)
		}
	}
}

func (c *Cache[K, V]) evictLocked(e *entry[K, V], reason EvictReason) {
	c.removeLocked(e)
	c.metrics.Eviction(reason)
}

func (c *Cache[K, V]) removeLocked(e *entry[K, V]) {
	c.unlinkLocked(e)
	delete(c.index, e.key)
	c.count--
	c.totalCost -= e.cost
}

func (c *Cache[K, V]) insertFrontLocked(e *entry[K, V]) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
	c.count++
	c.totalCost += e.cost
}

func (c *Cache[K, V]) moveToFrontLocked(e *entry[K, V]) {
	if e == c.head {
		return
	}
	c.unlinkLocked(e)
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache[K, V]) unlinkLocked(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if c.head == e {
		c.head = e.next
	}
	if c.tail == e {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}
