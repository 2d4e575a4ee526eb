// Package prefixforward implements the PrefixAwareForwarding filter: it
// strips the external prefix a request arrived under, rebuilds the request URI
// and tells the downstream service, through forwarded headers, what the
// client actually called.
package prefixforward

import (
	"github.com/wudi/prefixgate/internal/exchange"
	"github.com/wudi/prefixgate/internal/filter"
	"github.com/wudi/prefixgate/internal/logging"
	"github.com/wudi/prefixgate/internal/metrics"
	"github.com/wudi/prefixgate/internal/rewrite"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Name is the filter's registry name.
const Name = "PrefixAwareForwarding"

// Filter rewrites a request for a configured prefix.
type Filter struct {
	prefix  string
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithMetrics records the rebuild tier of every request.
func WithMetrics(c *metrics.Collector) Option {
	return func(f *Filter) { f.metrics = c }
}

// WithTracer wraps each rewrite in a child span.
func WithTracer(t trace.Tracer) Option {
	return func(f *Filter) { f.tracer = t }
}

// WithLogger sets the logger; the global logger is used otherwise.
func WithLogger(l *zap.Logger) Option {
	return func(f *Filter) { f.logger = l }
}

// New creates the filter for prefix. An empty prefix leaves paths unchanged
// but still sets the forwarded headers.
func New(prefix string, opts ...Option) *Filter {
	f := &Filter{prefix: prefix}
	for _, opt := range opts {
		opt(f)
	}
	if f.tracer == nil {
		f.tracer = noop.NewTracerProvider().Tracer("")
	}
	if f.logger == nil {
		f.logger = logging.Global()
	}
	return f
}

// Factory returns a filter.Factory reading the "prefix" argument.
func Factory(opts ...Option) filter.Factory {
	return func(args filter.Args) (filter.Filter, error) {
		return New(args.String("prefix", ""), opts...), nil
	}
}

// Prefix returns the configured prefix.
func (f *Filter) Prefix() string {
	return f.prefix
}

// Apply rewrites ex.Request and passes it on. The result of next is returned
// as is.
func (f *Filter) Apply(ex *exchange.Exchange, next filter.Handler) error {
	_, span := f.tracer.Start(ex.Request.Context(), "rewrite.prefix",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("rewrite.prefix", f.prefix)),
	)

	orig := ex.Original
	fwd := rewrite.Synthesize(orig.Header, orig.URL.Scheme, f.prefix)
	stripped := rewrite.StripPrefix(orig.URL.EscapedPath(), f.prefix)
	res := rewrite.Rebuild(orig.URL, stripped)

	routeID := ex.RouteID()
	fields := []zap.Field{
		zap.String("route", routeID),
		zap.String("original", orig.URL.String()),
		zap.String("rewritten", res.URI.String()),
		zap.String("tier", res.Tier.String()),
	}
	if res.Reason != nil {
		fields = append(fields, zap.NamedError("reason", res.Reason))
	}
	if ex.Route != nil {
		target := rewrite.ResolveTarget(ex.Route.URI, stripped, orig.URL.RawQuery)
		fields = append(fields, zap.String("target", target.String()))
	}
	f.logger.Debug("rewriting request", fields...)

	f.metrics.RecordRewrite(routeID, res.Tier.String())
	span.SetAttributes(
		attribute.String("rewrite.tier", res.Tier.String()),
		attribute.String("rewrite.path", stripped),
	)
	span.End()

	r := ex.Request.Clone(ex.Request.Context())
	r.URL = res.URI
	r.RequestURI = res.URI.RequestURI()
	fwd.Apply(r.Header)
	ex.Request = r

	return next.Serve(ex)
}
