// Package pipeline coalesces overlapping "fetch and transform" requests.
//
// Requests are keyed at two granularities. The fetch layer is keyed on the
// locator alone, so two differently-processed views of the same remote
// resource share one download. The processing layer is keyed on locator plus
// transform, so identical final requests also share decoding. Cosmetic fields
// (priority, caller metadata) never participate in either key: two requests
// coalesce if and only if they would produce byte-for-byte identical output.
//
// Work runs on bounded per-category schedulers (network, disk read, disk
// write, processing); new downloads are gated behind a token bucket so a fast
// scroll of created-and-cancelled requests gets smoothed while an initial
// burst runs without artificial delay.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Amund211/lantern/cache"
	"github.com/Amund211/lantern/logging"
	"github.com/Amund211/lantern/ratelimit"
	"github.com/Amund211/lantern/resumable"
	"github.com/Amund211/lantern/scheduler"
)

const (
	DefaultNetworkConcurrency    = 6
	DefaultDiskReadConcurrency   = 2
	DefaultDiskWriteConcurrency  = 2
	DefaultProcessingConcurrency = 2

	DefaultRateRefillPerSecond ratelimit.RefillPerSecond = 80
	DefaultRateBurst           ratelimit.BurstSize       = 25
)

// Concurrency bounds the number of simultaneously running work items per
// category. Zero fields select the documented defaults.
type Concurrency struct {
	Network    int
	DiskRead   int
	DiskWrite  int
	Processing int
}

// LoadRequest describes one load. Locator and TransformID determine the work
// identity; Priority and Metadata are cosmetic and never coalesce or split
// requests.
type LoadRequest struct {
	Locator string
	// TransformID identifies the processing applied to the raw payload. Two
	// requests share processing work only when both locator and transform
	// match.
	TransformID string
	Priority    scheduler.Priority
	// Metadata is caller-supplied context for logging. It does not affect
	// the result and is not part of any key.
	Metadata map[string]string
}

// Options configures a Pipeline.
type Options[T any] struct {
	// Source produces byte streams for locators. Required.
	Source ByteSource
	// Consumer turns payload bytes into results. Required.
	Consumer IncrementalConsumer[T]

	// Store is the persistent key -> bytes cache. Optional.
	Store PersistentStore
	// MemoryCache holds processed results. Optional. The pipeline populates
	// it on completion; entries the cache refuses are simply not cached.
	MemoryCache *cache.Cache[string, T]
	// Cost estimates a processed value's cache cost. Nil counts every value
	// as cost 1.
	Cost func(T) int64
	// CacheTTL is applied to populated memory-cache entries. Zero uses the
	// cache's default.
	CacheTTL time.Duration

	Concurrency Concurrency

	// RateRefillPerSecond / RateBurst shape the download token bucket. Zero
	// selects the defaults; DisableRateLimit removes the gate entirely.
	RateRefillPerSecond ratelimit.RefillPerSecond
	RateBurst           ratelimit.BurstSize
	DisableRateLimit    bool

	// DisableResumable turns off partial-download bookkeeping.
	DisableResumable bool
	ResumableMaxAge  time.Duration
	ResumableMaxSize int64

	// DisableCoalescing makes every request perform its own work. Intended
	// for debugging comparisons, not production.
	DisableCoalescing bool
}

// Pipeline is the concurrency core of a resource loader. All methods are
// safe for concurrent use.
type Pipeline[T any] struct {
	source   ByteSource
	consumer IncrementalConsumer[T]
	store    PersistentStore
	memCache *cache.Cache[string, T]
	cost     func(T) int64
	cacheTTL time.Duration

	resumable *resumable.Store

	network    *scheduler.Scheduler
	diskRead   *scheduler.Scheduler
	diskWrite  *scheduler.Scheduler
	processing *scheduler.Scheduler

	fetchGraph   *Graph[[]byte]
	processGraph *Graph[T]
}

// New constructs a Pipeline from opts.
func New[T any](opts Options[T]) (*Pipeline[T], error) {
	if opts.Source == nil {
		return nil, errors.New("missing byte source")
	}
	if opts.Consumer == nil {
		return nil, errors.New("missing consumer")
	}

	concurrency := opts.Concurrency
	if concurrency.Network <= 0 {
		concurrency.Network = DefaultNetworkConcurrency
	}
	if concurrency.DiskRead <= 0 {
		concurrency.DiskRead = DefaultDiskReadConcurrency
	}
	if concurrency.DiskWrite <= 0 {
		concurrency.DiskWrite = DefaultDiskWriteConcurrency
	}
	if concurrency.Processing <= 0 {
		concurrency.Processing = DefaultProcessingConcurrency
	}

	cost := opts.Cost
	if cost == nil {
		cost = func(T) int64 { return 1 }
	}

	var limiter *ratelimit.Limiter
	if !opts.DisableRateLimit {
		refill := opts.RateRefillPerSecond
		if refill == 0 {
			refill = DefaultRateRefillPerSecond
		}
		burst := opts.RateBurst
		if burst == 0 {
			burst = DefaultRateBurst
		}
		limiter = ratelimit.NewTokenBucketLimiter(refill, burst)
	}

	var resumableStore *resumable.Store
	if !opts.DisableResumable {
		resumableStore = resumable.New(resumable.Options{
			MaxAge:  opts.ResumableMaxAge,
			MaxSize: opts.ResumableMaxSize,
		})
	}

	p := &Pipeline[T]{
		source:     opts.Source,
		consumer:   opts.Consumer,
		store:      opts.Store,
		memCache:   opts.MemoryCache,
		cost:       cost,
		cacheTTL:   opts.CacheTTL,
		resumable:  resumableStore,
		network:    scheduler.New(concurrency.Network),
		diskRead:   scheduler.New(concurrency.DiskRead),
		diskWrite:  scheduler.New(concurrency.DiskWrite),
		processing: scheduler.New(concurrency.Processing),
	}
	p.fetchGraph = NewGraph[[]byte](p.network, GraphOptions{
		Limiter:           limiter,
		DisableCoalescing: opts.DisableCoalescing,
		Name:              "fetch",
	})
	p.processGraph = NewGraph[T](p.processing, GraphOptions{
		DisableCoalescing: opts.DisableCoalescing,
		Name:              "process",
	})
	return p, nil
}

// Load requests the processed result for req, serving from the memory cache
// when possible and otherwise attaching to (or creating) the coalescing node
// for the request's work identity.
func (p *Pipeline[T]) Load(ctx context.Context, req LoadRequest) *Subscription[T] {
	key := processKey(req.Locator, req.TransformID)

	if p.memCache != nil {
		if value, ok := p.memCache.Get(key); ok {
			logging.FromContext(ctx).Debug("memory cache hit", "key", key)
			return newCompletedSubscription(value)
		}
	}

	return p.processGraph.Start(ctx, key, req.Priority, func() TaskFunc[T] {
		return p.processTask(key, req.Locator)
	})
}

// Fetch requests the raw payload for a locator, bypassing processing and the
// processed-result cache. Fetches coalesce with the fetch layer underneath
// Load.
func (p *Pipeline[T]) Fetch(ctx context.Context, locator string, priority scheduler.Priority) *Subscription[[]byte] {
	return p.fetchGraph.Start(ctx, locator, priority, func() TaskFunc[[]byte] {
		return p.fetchTask(locator)
	})
}

// processTask resolves the raw payload through the fetch layer and feeds it
// through the consumer.
func (p *Pipeline[T]) processTask(key, locator string) TaskFunc[T] {
	return func(ctx context.Context, report *Reporter[T]) (T, error) {
		var zero T

		fetchSub := p.fetchGraph.Start(ctx, locator, report.Priority(), func() TaskFunc[[]byte] {
			return p.fetchTask(locator)
		})
		defer fetchSub.Cancel()

		// Keep the raw fetch at this node's effective priority as
		// subscribers come and go.
		report.OnPriorityChange(fetchSub.SetPriority)

		progressCh := fetchSub.Progress()
		partialCh := fetchSub.Partial()
		for {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()

			case event, ok := <-progressCh:
				if !ok {
					progressCh = nil
					continue
				}
				report.Progress(event.Completed, event.Total)

			case snapshot, ok := <-partialCh:
				if !ok {
					partialCh = nil
					continue
				}
				value, produced, err := p.consumer.Consume(snapshot, false)
				if err != nil {
					// Partial payloads may legitimately not decode yet; the
					// final payload decides.
					continue
				}
				if produced {
					report.Partial(value)
				}

			case outcome := <-fetchSub.Result():
				// Forward progress the select may have raced past, so
				// subscribers see the final completed/total pair.
				drainProgress(progressCh, report)

				if outcome.Err != nil {
					return zero, fmt.Errorf("fetch failed: %w", outcome.Err)
				}
				value, produced, err := p.consumer.Consume(outcome.Value, true)
				if err != nil {
					return zero, fmt.Errorf("failed to consume payload: %w", err)
				}
				if !produced {
					return zero, fmt.Errorf("%w: %s", ErrNoResult, locator)
				}
				if p.memCache != nil {
					if p.cacheTTL > 0 {
						p.memCache.SetWithTTL(key, value, p.cost(value), p.cacheTTL)
					} else {
						p.memCache.Set(key, value, p.cost(value))
					}
				}
				return value, nil
			}
		}
	}
}

// Flush waits for queued disk writes and asks the persistent store to make
// them durable.
func (p *Pipeline[T]) Flush(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.diskWrite.Wait()
	return p.store.Flush(ctx)
}

// Close shuts down the pipeline's schedulers. Pending work is cancelled;
// running work finishes its current item.
func (p *Pipeline[T]) Close() {
	p.network.Close()
	p.diskRead.Close()
	p.diskWrite.Close()
	p.processing.Close()
}

func drainProgress[T any](ch <-chan Progress, report *Reporter[T]) {
	if ch == nil {
		return
	}
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			report.Progress(event.Completed, event.Total)
		default:
			return
		}
	}
}

func processKey(locator, transformID string) string {
	if transformID == "" {
		return locator
	}
	return locator + "\x00" + transformID
}
