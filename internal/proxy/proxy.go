// Package proxy is the last stage of every route chain: it sends the current
// request to the route's backend and copies the response back.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/wudi/prefixgate/internal/errors"
	"github.com/wudi/prefixgate/internal/exchange"
	"github.com/wudi/prefixgate/internal/logging"
	"github.com/wudi/prefixgate/internal/rewrite"
	"go.uber.org/zap"
)

// HeaderInjector writes trace context into outbound headers.
type HeaderInjector interface {
	InjectHeaders(ctx context.Context, h http.Header)
}

// Proxy forwards exchanges to their route's backend.
type Proxy struct {
	transport     http.RoundTripper
	injector      HeaderInjector
	flushInterval time.Duration
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithHeaderInjector propagates trace context to backends.
func WithHeaderInjector(i HeaderInjector) Option {
	return func(p *Proxy) { p.injector = i }
}

// WithFlushInterval flushes the response to the client after every chunk
// copied from the backend when d is positive.
func WithFlushInterval(d time.Duration) Option {
	return func(p *Proxy) { p.flushInterval = d }
}

// New creates a proxy sending through transport, or http.DefaultTransport
// when nil.
func New(transport http.RoundTripper, opts ...Option) *Proxy {
	if transport == nil {
		transport = http.DefaultTransport
	}
	p := &Proxy{transport: transport, flushInterval: -1}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Serve forwards ex.Request to ex.Route's backend. The backend path is the
// route URI's base path joined with the current request path, and the query
// is passed through verbatim. ex.Target is set before the request is sent.
func (p *Proxy) Serve(ex *exchange.Exchange) error {
	if ex.Route == nil || ex.Route.URI == nil {
		return errors.ErrNotFound.WithRequestID(ex.RequestID)
	}
	r := ex.Request

	ctx := r.Context()
	if ex.Route.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ex.Route.Timeout)
		defer cancel()
	}

	target := rewrite.ResolveTarget(ex.Route.URI, r.URL.EscapedPath(), r.URL.RawQuery)
	ex.Target = target

	out := p.outboundRequest(ctx, r, target)
	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		logging.Debug("upstream request failed",
			zap.String("route", ex.Route.ID),
			zap.String("target", target.String()),
			zap.Error(err),
		)
		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.ErrGatewayTimeout.WithCause(err).WithRequestID(ex.RequestID)
		}
		return errors.ErrBadGateway.WithCause(err).WithRequestID(ex.RequestID)
	}
	defer resp.Body.Close()

	copyHeaders(ex.Writer.Header(), resp.Header)
	ex.Writer.WriteHeader(resp.StatusCode)
	if err := p.copyBody(ex.Writer, resp.Body); err != nil {
		return fmt.Errorf("copying response body: %w", err)
	}
	return nil
}

func (p *Proxy) outboundRequest(ctx context.Context, r *http.Request, target *url.URL) *http.Request {
	out := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
		Header:        r.Header.Clone(),
	}).WithContext(ctx)
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if r.Body == nil || r.Body == http.NoBody {
		out.Body = nil
	}

	if ip := remoteIP(r.RemoteAddr); ip != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			out.Header.Set("X-Forwarded-For", ip)
		}
	}
	// Forwarded headers set by filters take precedence.
	if out.Header.Get(rewrite.HeaderForwardedProto) == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		out.Header.Set(rewrite.HeaderForwardedProto, proto)
	}
	if out.Header.Get(rewrite.HeaderForwardedHost) == "" && r.Host != "" {
		out.Header.Set(rewrite.HeaderForwardedHost, r.Host)
	}

	removeHopHeaders(out.Header)

	if p.injector != nil {
		p.injector.InjectHeaders(ctx, out.Header)
	}
	return out
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

func (p *Proxy) copyBody(w http.ResponseWriter, body io.Reader) error {
	if p.flushInterval > 0 {
		if flusher, ok := w.(http.Flusher); ok {
			for {
				_, err := io.CopyN(w, body, 32*1024)
				flusher.Flush()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
			}
		}
	}
	_, err := io.Copy(w, body)
	return err
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
