package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Local is an in-process token bucket per key. The least recently seen keys
// are evicted once maxKeys is reached, which resets their buckets.
type Local struct {
	limiters *lru.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewLocal creates a local backend that refills replenishRate tokens per
// second up to burst.
func NewLocal(replenishRate float64, burst, maxKeys int) (*Local, error) {
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	cache, err := lru.New[string, *rate.Limiter](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("creating limiter cache: %w", err)
	}
	return &Local{
		limiters: cache,
		rate:     rate.Limit(replenishRate),
		burst:    burst,
		now:      time.Now,
	}, nil
}

// Allow takes one token from key's bucket.
func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	lim := l.limiter(key)
	now := l.now()
	allowed := lim.AllowN(now, 1)
	tokens := lim.TokensAt(now)

	// Seconds until a token is available, or until the bucket is full again
	// when the request was admitted.
	missing := 1 - tokens
	if allowed {
		missing = float64(l.burst) - tokens
	}
	var wait time.Duration
	if missing > 0 {
		wait = time.Duration(missing / float64(l.rate) * float64(time.Second))
	}

	return Decision{
		Allowed:   allowed,
		Limit:     l.burst,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		Reset:     now.Add(wait),
	}, nil
}

// Len returns the number of tracked keys.
func (l *Local) Len() int {
	return l.limiters.Len()
}

func (l *Local) limiter(key string) *rate.Limiter {
	if lim, ok := l.limiters.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(l.rate, l.burst)
	if prev, ok, _ := l.limiters.PeekOrAdd(key, lim); ok {
		return prev
	}
	return lim
}
