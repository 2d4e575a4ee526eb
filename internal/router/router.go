// Package router resolves the configured route for a request: tier-1 exact
// and parameterised paths through httprouter, tier-2 prefix routes by path
// segment, then method/domain/header/query criteria within each path group.
package router

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/wudi/prefixgate/internal/config"
)

// Route is a configured route bound to a backend URI.
type Route struct {
	ID         string
	Path       string
	PathPrefix bool
	Methods    []string
	URI        *url.URL
	Timeout    time.Duration
	Filters    []config.FilterConfig

	matcher   *CompiledMatcher
	configIdx int // insertion order for tie-breaking
}

// routeGroup holds the candidate routes sharing a path pattern, sorted by
// specificity (descending) with config order as tie-breaker.
type routeGroup struct {
	routes []*Route
}

// ServeHTTP is called by httprouter for a matched path and records the first
// candidate whose matcher accepts the request.
func (rg *routeGroup) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cw, ok := w.(*captureWriter)
	if !ok {
		return
	}
	cw.route = rg.match(r)
}

func (rg *routeGroup) match(r *http.Request) *Route {
	for _, route := range rg.routes {
		if route.matcher.Matches(r) {
			return route
		}
	}
	return nil
}

func (rg *routeGroup) add(route *Route) {
	rg.routes = append(rg.routes, route)
	sort.SliceStable(rg.routes, func(i, j int) bool {
		si := rg.routes[i].matcher.Specificity()
		sj := rg.routes[j].matcher.Specificity()
		if si != sj {
			return si > sj
		}
		return rg.routes[i].configIdx < rg.routes[j].configIdx
	})
}

// captureWriter is a no-op ResponseWriter used to extract the match result
// from httprouter dispatch without writing any actual HTTP response.
type captureWriter struct {
	route  *Route
	header http.Header
}

func (cw *captureWriter) Header() http.Header {
	if cw.header == nil {
		cw.header = make(http.Header)
	}
	return cw.header
}
func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

// prefixEntry is a prefix path with its pre-split segments.
type prefixEntry struct {
	segments []string
	group    *routeGroup
}

// Router matches requests against a fixed set of routes. A Router is built
// once per configuration and is safe for concurrent use without locking.
type Router struct {
	tree       *httprouter.Router
	exact      map[string]*routeGroup // normalized path -> group
	prefixes   []*prefixEntry         // longest first
	byPrefix   map[string]*routeGroup
	routes     []*Route
	registered map[string]bool
}

// standardMethods lists HTTP methods registered with httprouter for each path.
var standardMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// New creates an empty router.
func New() *Router {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false

	return &Router{
		tree:       tree,
		exact:      make(map[string]*routeGroup),
		byPrefix:   make(map[string]*routeGroup),
		registered: make(map[string]bool),
	}
}

// Build creates a router holding every route in cfgs.
func Build(cfgs []config.RouteConfig) (*Router, error) {
	rt := New()
	for _, rc := range cfgs {
		if err := rt.AddRoute(rc); err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.ID, err)
		}
	}
	return rt, nil
}

// AddRoute adds a route. It must not be called once the router serves traffic.
func (rt *Router) AddRoute(rc config.RouteConfig) (err error) {
	uri, err := url.Parse(rc.URI)
	if err != nil {
		return fmt.Errorf("invalid uri: %w", err)
	}

	route := &Route{
		ID:         rc.ID,
		Path:       rc.Path,
		PathPrefix: rc.PathPrefix,
		Methods:    rc.Methods,
		URI:        uri,
		Timeout:    rc.Timeout,
		Filters:    rc.Filters,
		matcher:    NewCompiledMatcher(rc.Match, rc.Methods),
		configIdx:  len(rt.routes),
	}

	// httprouter panics on conflicting wildcard registrations.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("path %q: %v", rc.Path, p)
		}
	}()

	normalized := replaceParams(rc.Path)
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}

	rt.exactGroup(normalized).add(route)
	if rc.PathPrefix {
		rt.prefixGroup(normalized).add(route)
	}

	rt.routes = append(rt.routes, route)
	return nil
}

// exactGroup returns the httprouter-registered group for path. Prefix routes
// register their base path here too so the prefix itself matches.
func (rt *Router) exactGroup(path string) *routeGroup {
	group, ok := rt.exact[path]
	if ok {
		return group
	}
	group = &routeGroup{}
	rt.exact[path] = group
	for _, method := range standardMethods {
		key := method + " " + path
		if !rt.registered[key] {
			rt.tree.Handler(method, path, group)
			rt.registered[key] = true
		}
	}
	return group
}

// prefixGroup returns the group for subpaths of path. Prefix routes are
// matched outside httprouter to avoid catch-all parameter conflicts.
func (rt *Router) prefixGroup(path string) *routeGroup {
	group, ok := rt.byPrefix[path]
	if ok {
		return group
	}
	group = &routeGroup{}
	rt.byPrefix[path] = group
	rt.prefixes = append(rt.prefixes, &prefixEntry{segments: splitPath(path), group: group})
	sort.SliceStable(rt.prefixes, func(i, j int) bool {
		return len(rt.prefixes[i].segments) > len(rt.prefixes[j].segments)
	})
	return group
}

// Match finds the route for r, or nil.
func (rt *Router) Match(r *http.Request) *Route {
	// Tier 1: exact/param paths
	cw := &captureWriter{}
	rt.tree.ServeHTTP(cw, r)
	if cw.route != nil {
		return cw.route
	}

	// Tier 2: prefix routes for subpaths
	reqSegments := splitPath(r.URL.Path)
	for _, pe := range rt.prefixes {
		if !pathHasPrefix(reqSegments, pe.segments) {
			continue
		}
		if route := pe.group.match(r); route != nil {
			return route
		}
	}
	return nil
}

// Route returns a route by ID
func (rt *Router) Route(id string) *Route {
	for _, route := range rt.routes {
		if route.ID == id {
			return route
		}
	}
	return nil
}

// Routes returns all routes in configuration order.
func (rt *Router) Routes() []*Route {
	result := make([]*Route, len(rt.routes))
	copy(result, rt.routes)
	return result
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// pathHasPrefix checks if reqSegments starts with prefixSegments.
func pathHasPrefix(reqSegments, prefixSegments []string) bool {
	if len(reqSegments) < len(prefixSegments) {
		return false
	}
	for i, seg := range prefixSegments {
		if strings.HasPrefix(seg, ":") {
			continue
		}
		if reqSegments[i] != seg {
			return false
		}
	}
	return true
}

// replaceParams converts {name} path parameters to :name httprouter syntax.
func replaceParams(path string) string {
	var result strings.Builder
	i := 0
	for i < len(path) {
		if path[i] == '{' {
			j := strings.IndexByte(path[i:], '}')
			if j == -1 {
				result.WriteByte(path[i])
				i++
				continue
			}
			result.WriteByte(':')
			result.WriteString(path[i+1 : i+j])
			i += j + 1
		} else {
			result.WriteByte(path[i])
			i++
		}
	}
	return result.String()
}
