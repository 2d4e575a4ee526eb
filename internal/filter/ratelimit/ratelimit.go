// Package ratelimit implements the RequestRateLimiter filter.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/prefixgate/internal/errors"
	"github.com/wudi/prefixgate/internal/exchange"
	"github.com/wudi/prefixgate/internal/filter"
	"github.com/wudi/prefixgate/internal/keyresolver"
	"github.com/wudi/prefixgate/internal/logging"
	"github.com/wudi/prefixgate/internal/metrics"
	"go.uber.org/zap"
)

// Name is the filter's registry name.
const Name = "RequestRateLimiter"

const (
	BackendLocal = "local"
	BackendRedis = "redis"

	defaultMaxKeys      = 10000
	defaultRedisTimeout = 100 * time.Millisecond
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Backend counts requests per key.
type Backend interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Filter rejects requests whose key exceeded its limit.
type Filter struct {
	backend Backend
	key     keyresolver.Func
	metrics *metrics.Collector
}

// New creates a filter over backend. A nil key resolver keys by client IP.
func New(backend Backend, key keyresolver.Func, m *metrics.Collector) *Filter {
	if key == nil {
		key = keyresolver.IP
	}
	return &Filter{backend: backend, key: key, metrics: m}
}

// Deps are the shared resources the factory may hand to backends.
type Deps struct {
	Redis   redis.Scripter
	Metrics *metrics.Collector
}

// Factory reads replenish_rate (tokens per second, required), burst_capacity
// (defaults to replenish_rate rounded up, at least 1), key_resolver, backend (local or redis),
// max_keys for the local backend and prefix for the redis backend.
func Factory(deps Deps) filter.Factory {
	return func(args filter.Args) (filter.Filter, error) {
		raw, err := args.Required("replenish_rate")
		if err != nil {
			return nil, err
		}
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil || rate <= 0 {
			return nil, fmt.Errorf("argument %q must be a positive number, got %q", "replenish_rate", raw)
		}
		burst, err := args.Int("burst_capacity", max(1, int(math.Ceil(rate))))
		if err != nil {
			return nil, err
		}
		if burst < 1 {
			return nil, fmt.Errorf("argument %q must be at least 1", "burst_capacity")
		}
		key, err := keyresolver.ByName(args.String("key_resolver", ""))
		if err != nil {
			return nil, err
		}

		var backend Backend
		switch name := args.String("backend", BackendLocal); name {
		case BackendLocal:
			maxKeys, err := args.Int("max_keys", defaultMaxKeys)
			if err != nil {
				return nil, err
			}
			backend, err = NewLocal(rate, burst, maxKeys)
			if err != nil {
				return nil, err
			}
		case BackendRedis:
			if deps.Redis == nil {
				return nil, fmt.Errorf("backend redis requires redis.address to be configured")
			}
			backend = NewRedis(RedisConfig{
				Client: deps.Redis,
				Prefix: args.String("prefix", ""),
				Limit:  burst,
				Window: windowFor(rate, burst),
			})
		default:
			return nil, fmt.Errorf("unknown backend %q", name)
		}
		return New(backend, key, deps.Metrics), nil
	}
}

// windowFor is the sliding window over which burst requests refill at rate.
func windowFor(rate float64, burst int) time.Duration {
	w := time.Duration(float64(burst) / rate * float64(time.Second))
	if w < time.Millisecond {
		w = time.Millisecond
	}
	return w
}

// Apply consults the backend and either answers 429 or calls next. Backend
// errors let the request through.
func (f *Filter) Apply(ex *exchange.Exchange, next filter.Handler) error {
	routeID := ex.RouteID()
	key := routeID + ":" + f.key(ex)

	d, err := f.backend.Allow(ex.Request.Context(), key)
	if err != nil {
		logging.Warn("rate limit backend unavailable, failing open",
			zap.String("route", routeID),
			zap.Error(err),
		)
		f.metrics.RecordRateLimitError(routeID)
		return next.Serve(ex)
	}

	h := ex.Writer.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

	if !d.Allowed {
		retryAfter := int(time.Until(d.Reset).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		h.Set("Retry-After", strconv.Itoa(retryAfter))
		f.metrics.RecordRateLimited(routeID)
		errors.ErrTooManyRequests.WithRequestID(ex.RequestID).WriteJSON(ex.Writer)
		return nil
	}
	return next.Serve(ex)
}
