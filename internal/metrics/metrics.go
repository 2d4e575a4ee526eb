package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "prefixgate"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector holds the gateway's Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rewritesTotal    *prometheus.CounterVec
	rateLimitedTotal *prometheus.CounterVec
	rateLimitErrors  *prometheus.CounterVec
	logDroppedTotal  prometheus.Counter
	reloadsTotal     *prometheus.CounterVec
}

// NewCollector creates a collector on its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newCollector(reg)
}

func newCollector(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests handled by the gateway",
			},
			[]string{"route", "method", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   DefaultBuckets,
			},
			[]string{"route"},
		),
		rewritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rewrite",
				Name:      "uri_total",
				Help:      "Rebuilt request URIs by the strategy that produced them",
			},
			[]string{"route", "tier"},
		),
		rateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "rejected_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
		rateLimitErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "backend_errors_total",
				Help:      "Rate limiter backend failures; requests were allowed",
			},
			[]string{"route"},
		),
		logDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "accesslog",
				Name:      "dropped_total",
				Help:      "Access log events dropped because the queue was full",
			},
		),
		reloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Configuration reload attempts",
			},
			[]string{"result"},
		),
	}
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRewrite records which URI rebuild tier served a request.
func (c *Collector) RecordRewrite(route, tier string) {
	if c == nil {
		return
	}
	c.rewritesTotal.WithLabelValues(route, tier).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func (c *Collector) RecordRateLimited(route string) {
	if c == nil {
		return
	}
	c.rateLimitedTotal.WithLabelValues(route).Inc()
}

// RecordRateLimitError records a limiter backend failure.
func (c *Collector) RecordRateLimitError(route string) {
	if c == nil {
		return
	}
	c.rateLimitErrors.WithLabelValues(route).Inc()
}

// RecordLogDropped records an access log event that was dropped.
func (c *Collector) RecordLogDropped() {
	if c == nil {
		return
	}
	c.logDroppedTotal.Inc()
}

// RecordReload records a configuration reload attempt.
func (c *Collector) RecordReload(ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.reloadsTotal.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
