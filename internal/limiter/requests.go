package limiter

import (
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// Requests hands out one token bucket per user. Idle buckets are evicted after
// the cache TTL and recreated full on the next request.
type Requests struct {
	limit rate.Limit
	burst int
	cache *ttlcache.Cache[uuid.UUID, *rate.Limiter]
}

// NewRequests creates a per-user limiter allowing perSecond requests with the given burst.
// A non-positive perSecond disables limiting.
func NewRequests(perSecond float64, burst int, idle time.Duration) *Requests {
	c := ttlcache.New[uuid.UUID, *rate.Limiter](
		ttlcache.WithTTL[uuid.UUID, *rate.Limiter](idle),
	)
	go c.Start()
	return &Requests{limit: rate.Limit(perSecond), burst: burst, cache: c}
}

// Allow consumes one token for user and reports whether the request may proceed.
func (r *Requests) Allow(user uuid.UUID) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	it, _ := r.cache.GetOrSet(user, rate.NewLimiter(r.limit, r.burst))
	return it.Value().Allow()
}

// Stop ends the expiry loop.
func (r *Requests) Stop() {
	if r != nil {
		r.cache.Stop()
	}
}
