package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/wudi/prefixgate/internal/exchange"
	"github.com/wudi/prefixgate/internal/filter"
	"github.com/wudi/prefixgate/internal/metrics"
	"github.com/wudi/prefixgate/internal/router"
)

type counter struct{ calls int }

func (c *counter) Serve(ex *exchange.Exchange) error {
	c.calls++
	ex.Writer.WriteHeader(http.StatusOK)
	return nil
}

func newExchange(remoteAddr string) (*exchange.Exchange, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/login", nil)
	r.RemoteAddr = remoteAddr
	ex := exchange.New(rec, r)
	ex.Route = &router.Route{ID: "stress"}
	ex.RequestID = "req-1"
	return ex, rec
}

func scrape(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestLocalRejectsAfterBurst(t *testing.T) {
	local, err := NewLocal(1, 2, 100)
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Unix(1700000000, 0)
	local.now = func() time.Time { return fixed }

	c := metrics.NewCollector()
	f := New(local, nil, c)
	next := &counter{}

	for i := 0; i < 2; i++ {
		ex, rec := newExchange("10.0.0.1:1234")
		if err := f.Apply(ex, next); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Errorf("X-RateLimit-Limit = %q", got)
		}
	}

	ex, rec := newExchange("10.0.0.1:1234")
	if err := f.Apply(ex, next); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if next.calls != 2 {
		t.Errorf("next called %d times, want 2", next.calls)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", got)
	}

	var body struct {
		Code      int    `json:"code"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Code != 429 || body.RequestID != "req-1" {
		t.Errorf("body = %+v", body)
	}
	if !strings.Contains(scrape(t, c), `prefixgate_ratelimit_rejected_total{route="stress"} 1`) {
		t.Error("rejection not recorded")
	}
}

func TestLocalKeysAreIndependent(t *testing.T) {
	local, _ := NewLocal(1, 1, 100)
	fixed := time.Now()
	local.now = func() time.Time { return fixed }
	f := New(local, nil, nil)
	next := &counter{}

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1"} {
		ex, rec := newExchange(addr)
		f.Apply(ex, next)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", addr, rec.Code)
		}
	}
	if local.Len() != 3 {
		t.Errorf("tracked keys = %d, want 3", local.Len())
	}
}

func TestLocalRefills(t *testing.T) {
	local, _ := NewLocal(10, 1, 100)
	now := time.Unix(1700000000, 0)
	local.now = func() time.Time { return now }

	ctx := context.Background()
	if d, _ := local.Allow(ctx, "k"); !d.Allowed {
		t.Fatal("first request rejected")
	}
	if d, _ := local.Allow(ctx, "k"); d.Allowed {
		t.Fatal("second request admitted with an empty bucket")
	}
	now = now.Add(100 * time.Millisecond)
	if d, _ := local.Allow(ctx, "k"); !d.Allowed {
		t.Fatal("request rejected after refill")
	}
}

func TestLocalEvictsOldestKeys(t *testing.T) {
	local, _ := NewLocal(1, 1, 2)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		local.Allow(ctx, k)
	}
	if local.Len() != 2 {
		t.Errorf("tracked keys = %d, want 2", local.Len())
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisRejectsAfterLimit(t *testing.T) {
	_, client := newRedis(t)
	backend := NewRedis(RedisConfig{Client: client, Limit: 3, Window: time.Minute})
	f := New(backend, nil, nil)
	next := &counter{}

	for i := 0; i < 3; i++ {
		ex, rec := newExchange("192.168.1.1:5000")
		f.Apply(ex, next)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
		if got, want := rec.Header().Get("X-RateLimit-Remaining"), []string{"2", "1", "0"}[i]; got != want {
			t.Errorf("request %d: remaining = %q, want %q", i, got, want)
		}
	}

	ex, rec := newExchange("192.168.1.1:5000")
	f.Apply(ex, next)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	other, rec := newExchange("192.168.1.2:5000")
	f.Apply(other, next)
	if rec.Code != http.StatusOK {
		t.Errorf("other client: status %d", rec.Code)
	}
}

func TestRedisKeyPrefix(t *testing.T) {
	mr, client := newRedis(t)
	backend := NewRedis(RedisConfig{Client: client, Prefix: "custom:", Limit: 5, Window: time.Second})

	if _, err := backend.Allow(context.Background(), "stress:1.2.3.4"); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("custom:stress:1.2.3.4") {
		t.Errorf("keys = %v", mr.Keys())
	}
}

func TestRedisWindowExpires(t *testing.T) {
	_, client := newRedis(t)
	backend := NewRedis(RedisConfig{Client: client, Limit: 1, Window: time.Second})
	now := time.Unix(1700000000, 0)
	backend.now = func() time.Time { return now }

	ctx := context.Background()
	if d, err := backend.Allow(ctx, "k"); err != nil || !d.Allowed {
		t.Fatalf("first: %+v %v", d, err)
	}
	d, err := backend.Allow(ctx, "k")
	if err != nil || d.Allowed {
		t.Fatalf("second: %+v %v", d, err)
	}
	if !d.Reset.Equal(now.Add(time.Second)) {
		t.Errorf("reset = %v, want %v", d.Reset, now.Add(time.Second))
	}

	now = now.Add(1500 * time.Millisecond)
	if d, err := backend.Allow(ctx, "k"); err != nil || !d.Allowed {
		t.Fatalf("after window: %+v %v", d, err)
	}
}

func TestRedisFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	c := metrics.NewCollector()
	f := New(NewRedis(RedisConfig{Client: client, Limit: 1}), nil, c)
	next := &counter{}

	ex, rec := newExchange("10.0.0.1:1")
	if err := f.Apply(ex, next); err != nil {
		t.Fatal(err)
	}
	if next.calls != 1 || rec.Code != http.StatusOK {
		t.Errorf("calls = %d, status = %d; want the request let through", next.calls, rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("rate limit headers set without a decision")
	}
	if !strings.Contains(scrape(t, c), `prefixgate_ratelimit_backend_errors_total{route="stress"} 1`) {
		t.Error("backend error not recorded")
	}
}

type failing struct{}

func (failing) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("boom")
}

func TestApplyReturnsNextError(t *testing.T) {
	want := errors.New("upstream")
	f := New(failing{}, nil, nil)
	ex, _ := newExchange("10.0.0.1:1")
	err := f.Apply(ex, filter.HandlerFunc(func(*exchange.Exchange) error { return want }))
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestFactory(t *testing.T) {
	_, client := newRedis(t)

	tests := []struct {
		name    string
		deps    Deps
		args    filter.Args
		wantErr string
	}{
		{"local defaults", Deps{}, filter.Args{"replenish_rate": "10"}, ""},
		{"local full", Deps{}, filter.Args{"replenish_rate": "0.5", "burst_capacity": "3", "key_resolver": "header:X-User", "max_keys": "50"}, ""},
		{"redis", Deps{Redis: client}, filter.Args{"replenish_rate": "10", "backend": "redis"}, ""},
		{"missing rate", Deps{}, filter.Args{}, "replenish_rate"},
		{"bad rate", Deps{}, filter.Args{"replenish_rate": "fast"}, "positive number"},
		{"zero rate", Deps{}, filter.Args{"replenish_rate": "0"}, "positive number"},
		{"zero burst", Deps{}, filter.Args{"replenish_rate": "10", "burst_capacity": "0"}, "at least 1"},
		{"fractional rate", Deps{}, filter.Args{"replenish_rate": "0.5"}, ""},
		{"bad resolver", Deps{}, filter.Args{"replenish_rate": "10", "key_resolver": "cookie"}, "unknown key resolver"},
		{"redis not configured", Deps{}, filter.Args{"replenish_rate": "10", "backend": "redis"}, "redis.address"},
		{"unknown backend", Deps{}, filter.Args{"replenish_rate": "10", "backend": "memcached"}, "unknown backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Factory(tt.deps)(tt.args)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if f == nil {
					t.Fatal("nil filter")
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestWindowFor(t *testing.T) {
	if got := windowFor(10, 20); got != 2*time.Second {
		t.Errorf("windowFor(10, 20) = %v", got)
	}
	if got := windowFor(1e9, 1); got != time.Millisecond {
		t.Errorf("windowFor floor = %v", got)
	}
}

func TestFactoryDefaultBurst(t *testing.T) {
	tests := []struct {
		rate string
		want int
	}{
		{"0.5", 1},
		{"0.001", 1},
		{"2.5", 3},
		{"10", 10},
	}
	for _, tt := range tests {
		t.Run(tt.rate, func(t *testing.T) {
			f, err := Factory(Deps{})(filter.Args{"replenish_rate": tt.rate})
			if err != nil {
				t.Fatalf("Factory: %v", err)
			}
			local, ok := f.(*Filter).backend.(*Local)
			if !ok {
				t.Fatalf("backend = %T, want *Local", f.(*Filter).backend)
			}
			if local.burst != tt.want {
				t.Errorf("burst = %d, want %d", local.burst, tt.want)
			}
		})
	}
}
