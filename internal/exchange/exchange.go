// Package exchange carries the per-request state that gateway filters share:
// the current request, an immutable snapshot of what the client sent, the
// bound route and the forwarding target.
package exchange

import (
	"net/http"
	"net/url"
	"time"

	"github.com/wudi/prefixgate/internal/router"
)

// Snapshot is the inbound request as the client sent it, taken before any
// filter runs.
type Snapshot struct {
	Method string
	// URL is absolute: scheme from the connection, host from the Host header.
	URL *url.URL
	// Header is a copy of the request headers with Host restored.
	Header     http.Header
	RemoteAddr string
}

// NewSnapshot captures r. The server moves the Host header into r.Host and
// leaves r.URL in origin form, so both are put back here.
func NewSnapshot(r *http.Request) Snapshot {
	u := *r.URL
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	if u.Host == "" {
		u.Host = r.Host
	}
	if r.URL.User != nil {
		user := *r.URL.User
		u.User = &user
	}

	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	if r.Host != "" {
		h.Set("Host", r.Host)
	}

	return Snapshot{
		Method:     r.Method,
		URL:        &u,
		Header:     h,
		RemoteAddr: r.RemoteAddr,
	}
}

// PathWithQuery returns the escaped path plus "?query" when a query is present.
func (s Snapshot) PathWithQuery() string {
	p := s.URL.EscapedPath()
	if s.URL.RawQuery != "" {
		p += "?" + s.URL.RawQuery
	}
	return p
}

// Exchange is the state of one request as it moves through a filter chain.
// It is owned by the request goroutine.
type Exchange struct {
	// Request is the request the next stage sees. Filters that rewrite it
	// replace the pointer rather than mutating the shared value.
	Request  *http.Request
	Original Snapshot
	// Route is the bound route, nil when none matched.
	Route *router.Route
	// Target is the URL the forwarding stage sent the request to.
	Target    *url.URL
	RequestID string
	StartTime time.Time
	Writer    *StatusWriter
}

// New creates an exchange for r writing to w.
func New(w http.ResponseWriter, r *http.Request) *Exchange {
	sw, ok := w.(*StatusWriter)
	if !ok {
		sw = NewStatusWriter(w)
	}
	return &Exchange{
		Request:   r,
		Original:  NewSnapshot(r),
		StartTime: time.Now(),
		Writer:    sw,
	}
}

// RouteID returns the bound route's ID or "".
func (ex *Exchange) RouteID() string {
	if ex.Route == nil {
		return ""
	}
	return ex.Route.ID
}

// Status returns the response status written so far, 0 if none.
func (ex *Exchange) Status() int {
	return ex.Writer.Status()
}
