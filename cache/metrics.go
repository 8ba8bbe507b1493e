package cache

// EvictReason tells a Metrics implementation why an entry left the cache.
type EvictReason string

const (
	EvictReasonCost    EvictReason = "cost"
	EvictReasonCount   EvictReason = "count"
	EvictReasonExpired EvictReason = "expired"
	EvictReasonTrim    EvictReason = "trim"
)

// Metrics receives cache observability callbacks. Implementations must be
// safe for concurrent use; callbacks may run while the cache mutex is held,
// so they must not call back into the cache.
type Metrics interface {
	Hit()
	Miss()
	Eviction(reason EvictReason)
	// Rejected is called when Set refuses an entry whose cost exceeds the
	// per-entry cap.
	Rejected()
}

// NoopMetrics is the default Metrics implementation. It does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                 {}
func (NoopMetrics) Miss()                {}
func (NoopMetrics) Eviction(EvictReason) {}
func (NoopMetrics) Rejected()            {}

var _ Metrics = NoopMetrics{}
