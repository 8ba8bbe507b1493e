package ratelimit

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Keyed maintains an independent token bucket per key. Idle buckets age out
// of the backing TTL cache so the limiter does not grow without bound.
type Keyed struct {
	limiterByKey    *ttlcache.Cache[string, *Limiter]
	refillPerSecond RefillPerSecond
	burstSize       BurstSize
}

// NewKeyed creates a per-key limiter. Buckets idle for longer than idleTTL
// are dropped and recreated full on next use. The returned stop function
// halts the cache's expiry loop.
func NewKeyed(refillPerSecond RefillPerSecond, burstSize BurstSize, idleTTL time.Duration) (*Keyed, func()) {
	limiterCache := ttlcache.New[string, *Limiter](
		ttlcache.WithTTL[string, *Limiter](idleTTL),
	)
	go limiterCache.Start()

	return &Keyed{
		limiterByKey:    limiterCache,
		refillPerSecond: refillPerSecond,
		burstSize:       burstSize,
	}, limiterCache.Stop
}

func (k *Keyed) limiter(key string) *Limiter {
	limiter, _ := k.limiterByKey.GetOrSet(key, NewTokenBucketLimiter(k.refillPerSecond, k.burstSize))
	return limiter.Value()
}

// Allow consumes a token from key's bucket if one is available.
func (k *Keyed) Allow(key string) bool {
	return k.limiter(key).Allow()
}

// Execute runs attempt through key's bucket; see Limiter.Execute.
func (k *Keyed) Execute(ctx context.Context, key string, attempt func() bool) (bool, error) {
	return k.limiter(key).Execute(ctx, attempt)
}
