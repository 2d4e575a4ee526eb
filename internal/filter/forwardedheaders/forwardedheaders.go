// Package forwardedheaders implements the DynamicForwardedHeaders filter,
// which sets X-Forwarded-Host, X-Forwarded-Proto and X-Forwarded-Prefix
// without touching the request path.
package forwardedheaders

import (
	"github.com/wudi/prefixgate/internal/exchange"
	"github.com/wudi/prefixgate/internal/filter"
	"github.com/wudi/prefixgate/internal/logging"
	"github.com/wudi/prefixgate/internal/rewrite"
	"go.uber.org/zap"
)

// Name is the filter's registry name.
const Name = "DynamicForwardedHeaders"

// Filter overrides the forwarded headers for a configured prefix.
type Filter struct {
	prefix string
	logger *zap.Logger
}

// New creates the filter. A nil logger means the global logger.
func New(prefix string, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = logging.Global()
	}
	return &Filter{prefix: prefix, logger: logger}
}

// Factory returns a filter.Factory reading the "prefix" argument.
func Factory(logger *zap.Logger) filter.Factory {
	return func(args filter.Args) (filter.Filter, error) {
		return New(args.String("prefix", ""), logger), nil
	}
}

// Apply replaces ex.Request with a clone that carries the forwarded headers.
func (f *Filter) Apply(ex *exchange.Exchange, next filter.Handler) error {
	fwd := rewrite.Synthesize(ex.Original.Header, ex.Original.URL.Scheme, f.prefix)

	r := ex.Request.Clone(ex.Request.Context())
	fwd.Apply(r.Header)
	ex.Request = r

	f.logger.Debug("overriding forwarded headers",
		zap.String("route", ex.RouteID()),
		zap.String("host", fwd.Host),
		zap.String("proto", fwd.Proto),
		zap.String("prefix", fwd.Prefix),
	)
	return next.Serve(ex)
}
