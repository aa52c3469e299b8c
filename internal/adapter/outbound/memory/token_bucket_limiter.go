package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/basilisk-labs/mcpcore/internal/domain/ratelimit"
)

// TokenBucketRateLimiter implements ratelimit.RateLimiter using
// golang.org/x/time/rate. Unlike MemoryRateLimiter's GCRA, a token bucket
// lets a client bank unused capacity up to Burst, which is the better fit
// for bursty tool-call traffic that is idle between invocations
//
// alternative).
type TokenBucketRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTokenBucketRateLimiter creates an empty token-bucket limiter; buckets
// are created lazily per key on first use, sized from the RateLimitConfig
// passed to that call.
func NewTokenBucketRateLimiter() *TokenBucketRateLimiter {
	return &TokenBucketRateLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow checks and consumes one token from the bucket for key, creating
// it on first use from config.
func (r *TokenBucketRateLimiter) Allow(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		burst := config.Burst
		if burst <= 0 {
			burst = config.Rate
		}
		if burst <= 0 {
			burst = 1
		}
		ratePerSec := rate.Limit(float64(config.Rate) / config.Period.Seconds())
		lim = rate.NewLimiter(ratePerSec, burst)
		r.limiters[key] = lim
	}
	r.mu.Unlock()

	now := time.Now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return ratelimit.RateLimitResult{Allowed: false}, nil
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		return ratelimit.RateLimitResult{
			Allowed:    false,
			RetryAfter: delay,
		}, nil
	}
	return ratelimit.RateLimitResult{
		Allowed:   true,
		Remaining: int(lim.TokensAt(now)),
	}, nil
}

// Size returns the number of distinct keys with an allocated bucket.
func (r *TokenBucketRateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

var _ ratelimit.RateLimiter = (*TokenBucketRateLimiter)(nil)
