// Package gateway wires routes, filter chains and the forwarding stage into
// an http.Handler, and serves it together with the admin API.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/prefixgate/internal/accesslog"
	"github.com/wudi/prefixgate/internal/config"
	"github.com/wudi/prefixgate/internal/errors"
	"github.com/wudi/prefixgate/internal/exchange"
	"github.com/wudi/prefixgate/internal/filter"
	"github.com/wudi/prefixgate/internal/filter/forwardedheaders"
	"github.com/wudi/prefixgate/internal/filter/prefixforward"
	"github.com/wudi/prefixgate/internal/filter/ratelimit"
	"github.com/wudi/prefixgate/internal/logging"
	"github.com/wudi/prefixgate/internal/metrics"
	"github.com/wudi/prefixgate/internal/middleware"
	"github.com/wudi/prefixgate/internal/proxy"
	"github.com/wudi/prefixgate/internal/router"
	"github.com/wudi/prefixgate/internal/tracing"
	"go.uber.org/zap"
)

// Deps are the long-lived resources shared by every route. They survive
// reloads; nil fields get defaults.
type Deps struct {
	Metrics   *metrics.Collector
	Tracer    *tracing.Tracer
	Redis     redis.Scripter
	Sink      accesslog.Sink
	Transport http.RoundTripper
}

// Gateway dispatches requests to the filter chain of the matching route.
type Gateway struct {
	state    atomic.Pointer[state]
	registry *filter.Registry
	proxy    *proxy.Proxy
	metrics  *metrics.Collector
	tracer   *tracing.Tracer
	handler  http.Handler
}

// state is everything a reload replaces.
type state struct {
	config   *config.Config
	router   *router.Router
	chains   map[string]filter.Handler
	loadedAt time.Time
}

// ReloadResult describes the outcome of a reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// New builds a gateway for cfg. Unknown filters and invalid filter
// arguments fail here rather than on the first request.
func New(cfg *config.Config, deps Deps) (*Gateway, error) {
	if deps.Tracer == nil {
		deps.Tracer, _ = tracing.New(context.Background(), config.TracingConfig{})
	}
	if deps.Sink == nil {
		deps.Sink = accesslog.NewZapSink(nil)
	}

	g := &Gateway{
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		proxy:   proxy.New(deps.Transport, proxy.WithHeaderInjector(deps.Tracer)),
	}
	g.registry = NewRegistry(deps)

	st, err := g.buildState(cfg)
	if err != nil {
		return nil, err
	}
	g.state.Store(st)

	g.handler = middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		g.tracer.Middleware(),
	).Then(http.HandlerFunc(g.serveHTTP))

	return g, nil
}

// NewRegistry returns a registry holding every built-in filter.
func NewRegistry(deps Deps) *filter.Registry {
	reg := filter.NewRegistry()
	reg.Register(prefixforward.Name, prefixforward.Factory(
		prefixforward.WithMetrics(deps.Metrics),
		prefixforward.WithTracer(deps.Tracer.Tracer()),
	))
	reg.Register(forwardedheaders.Name, forwardedheaders.Factory(nil))
	reg.Register(ratelimit.Name, ratelimit.Factory(ratelimit.Deps{
		Redis:   deps.Redis,
		Metrics: deps.Metrics,
	}))
	reg.Register(accesslog.ErrorLogName, accesslog.ErrorLogFactory(deps.Sink))
	reg.Register(accesslog.RouteMappingLogName, accesslog.RouteMappingLogFactory(deps.Sink))
	return reg
}

func (g *Gateway) buildState(cfg *config.Config) (*state, error) {
	rt, err := router.Build(cfg.Routes)
	if err != nil {
		return nil, err
	}

	var global []config.FilterConfig
	if cfg.AccessLog.Errors {
		global = append(global, config.FilterConfig{Name: accesslog.ErrorLogName})
	}
	if cfg.AccessLog.RouteMapping {
		global = append(global, config.FilterConfig{Name: accesslog.RouteMappingLogName})
	}
	global = append(global, cfg.DefaultFilters...)

	chains := make(map[string]filter.Handler, len(cfg.Routes))
	for _, route := range rt.Routes() {
		fcs := append(append([]config.FilterConfig{}, global...), route.Filters...)
		filters := make([]filter.Filter, 0, len(fcs))
		for _, fc := range fcs {
			f, err := g.registry.Build(fc.Name, filter.Args(fc.Args))
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", route.ID, err)
			}
			filters = append(filters, f)
		}
		chains[route.ID] = filter.Chain(g.proxy, filters...)
	}

	return &state{
		config:   cfg,
		router:   rt,
		chains:   chains,
		loadedAt: time.Now(),
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(exchange.NewStatusWriter(w), r)
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	st := g.state.Load()
	ex := exchange.New(w, r)
	ex.RequestID = middleware.RequestIDFromContext(r.Context())

	route := st.router.Match(r)
	if route == nil {
		errors.ErrNotFound.WithRequestID(ex.RequestID).WriteJSON(ex.Writer)
		g.metrics.RecordRequest("", r.Method, http.StatusNotFound, time.Since(ex.StartTime))
		return
	}
	ex.Route = route

	err := st.chains[route.ID].Serve(ex)
	if err != nil && !ex.Writer.Written() {
		gwErr, ok := errors.As(err)
		if !ok {
			logging.Error("unhandled filter error",
				zap.String("route", route.ID),
				zap.String("request_id", ex.RequestID),
				zap.Error(err),
			)
			gwErr = errors.ErrInternalServer
		}
		if gwErr.RequestID == "" && ex.RequestID != "" {
			gwErr = gwErr.WithRequestID(ex.RequestID)
		}
		gwErr.WriteJSON(ex.Writer)
	}

	status := ex.Status()
	if status == 0 {
		status = http.StatusOK
	}
	g.metrics.RecordRequest(route.ID, r.Method, status, time.Since(ex.StartTime))
}

// Reload builds a new route table from cfg and swaps it in. The previous
// table keeps serving when the build fails.
func (g *Gateway) Reload(cfg *config.Config) ReloadResult {
	result := ReloadResult{Timestamp: time.Now()}

	st, err := g.buildState(cfg)
	if err != nil {
		result.Error = err.Error()
		g.metrics.RecordReload(false)
		return result
	}

	old := g.state.Swap(st)
	result.Success = true
	result.Changes = diffRoutes(old.config, cfg)
	g.metrics.RecordReload(true)
	return result
}

// Config returns the configuration currently served.
func (g *Gateway) Config() *config.Config {
	return g.state.Load().config
}

// LoadedAt returns when the served configuration was built.
func (g *Gateway) LoadedAt() time.Time {
	return g.state.Load().loadedAt
}

// RouteInfo is the admin view of a route.
type RouteInfo struct {
	ID         string   `json:"id"`
	Path       string   `json:"path"`
	PathPrefix bool     `json:"path_prefix"`
	Methods    []string `json:"methods,omitempty"`
	URI        string   `json:"uri"`
	Timeout    string   `json:"timeout,omitempty"`
	Filters    []string `json:"filters"`
}

// Routes lists the served routes in configuration order.
func (g *Gateway) Routes() []RouteInfo {
	st := g.state.Load()
	routes := st.router.Routes()
	infos := make([]RouteInfo, 0, len(routes))
	for _, route := range routes {
		info := RouteInfo{
			ID:         route.ID,
			Path:       route.Path,
			PathPrefix: route.PathPrefix,
			Methods:    route.Methods,
			URI:        route.URI.String(),
			Filters:    make([]string, 0, len(route.Filters)),
		}
		if route.Timeout > 0 {
			info.Timeout = route.Timeout.String()
		}
		for _, f := range route.Filters {
			info.Filters = append(info.Filters, f.Name)
		}
		infos = append(infos, info)
	}
	return infos
}

// diffRoutes summarizes route changes between two configs.
func diffRoutes(old, cur *config.Config) []string {
	before := make(map[string]config.RouteConfig, len(old.Routes))
	for _, r := range old.Routes {
		before[r.ID] = r
	}
	var changes []string
	seen := make(map[string]bool, len(cur.Routes))
	for _, r := range cur.Routes {
		seen[r.ID] = true
		prev, ok := before[r.ID]
		switch {
		case !ok:
			changes = append(changes, "route added: "+r.ID)
		case !reflect.DeepEqual(prev, r):
			changes = append(changes, "route modified: "+r.ID)
		}
	}
	for id := range before {
		if !seen[id] {
			changes = append(changes, "route removed: "+id)
		}
	}
	sort.Strings(changes)
	return changes
}
