package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/wudi/prefixgate/internal/errors"
	"github.com/wudi/prefixgate/internal/exchange"
	"github.com/wudi/prefixgate/internal/rewrite"
	"github.com/wudi/prefixgate/internal/router"
)

type seen struct {
	Method  string      `json:"method"`
	Path    string      `json:"path"`
	RawPath string      `json:"raw_path"`
	Query   string      `json:"query"`
	Host    string      `json:"host"`
	Body    string      `json:"body"`
	Header  http.Header `json:"header"`
}

func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "echo")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(seen{
			Method:  r.Method,
			Path:    r.URL.Path,
			RawPath: r.URL.EscapedPath(),
			Query:   r.URL.RawQuery,
			Host:    r.Host,
			Body:    string(body),
			Header:  r.Header,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newExchange(t *testing.T, backend string, r *http.Request) (*exchange.Exchange, *httptest.ResponseRecorder) {
	t.Helper()
	u, err := url.Parse(backend)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	ex := exchange.New(rec, r)
	ex.Route = &router.Route{ID: "echo", URI: u}
	ex.RequestID = "req-1"
	return ex, rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) seen {
	t.Helper()
	var s seen
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decoding backend echo: %v", err)
	}
	return s
}

func TestServeForwardsRequest(t *testing.T) {
	backend := echoBackend(t)
	r := httptest.NewRequest("POST", "/login?user=bob", strings.NewReader("payload"))
	r.Header.Set("X-Custom", "kept")
	r.Header.Set("Keep-Alive", "timeout=5")
	ex, rec := newExchange(t, backend.URL+"/v1", r)

	if err := New(nil).Serve(ex); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Backend") != "echo" {
		t.Error("response header not copied")
	}
	if rec.Header().Get("Connection") != "" {
		t.Error("hop-by-hop response header copied")
	}

	s := decode(t, rec)
	if s.Method != "POST" || s.Body != "payload" {
		t.Errorf("method/body = %s %q", s.Method, s.Body)
	}
	if s.Path != "/v1/login" || s.Query != "user=bob" {
		t.Errorf("path/query = %q %q", s.Path, s.Query)
	}
	if s.Host != strings.TrimPrefix(backend.URL, "http://") {
		t.Errorf("host = %q, want backend host", s.Host)
	}
	if s.Header.Get("X-Custom") != "kept" {
		t.Error("request header dropped")
	}
	if s.Header.Get("Keep-Alive") != "" {
		t.Error("hop-by-hop request header forwarded")
	}
	if got := ex.Target.String(); got != backend.URL+"/v1/login?user=bob" {
		t.Errorf("Target = %q", got)
	}
}

func TestServeForwardedHeaders(t *testing.T) {
	backend := echoBackend(t)

	t.Run("defaults", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/x", nil)
		r.RemoteAddr = "10.0.0.9:4000"
		ex, rec := newExchange(t, backend.URL, r)
		New(nil).Serve(ex)

		s := decode(t, rec)
		if got := s.Header.Get("X-Forwarded-For"); got != "10.0.0.9" {
			t.Errorf("X-Forwarded-For = %q", got)
		}
		if got := s.Header.Get(rewrite.HeaderForwardedProto); got != "http" {
			t.Errorf("X-Forwarded-Proto = %q", got)
		}
		if got := s.Header.Get(rewrite.HeaderForwardedHost); got != "example.com" {
			t.Errorf("X-Forwarded-Host = %q", got)
		}
	})

	t.Run("filter values preserved", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/x", nil)
		r.RemoteAddr = "10.0.0.9:4000"
		r.Header.Set("X-Forwarded-For", "1.2.3.4")
		rewrite.ForwardedHeaders{Host: "gw.example.com", Proto: "https", Prefix: "/api"}.Apply(r.Header)
		ex, rec := newExchange(t, backend.URL, r)
		New(nil).Serve(ex)

		s := decode(t, rec)
		if got := s.Header.Get("X-Forwarded-For"); got != "1.2.3.4, 10.0.0.9" {
			t.Errorf("X-Forwarded-For = %q", got)
		}
		if got := s.Header.Get(rewrite.HeaderForwardedProto); got != "https" {
			t.Errorf("X-Forwarded-Proto = %q", got)
		}
		if got := s.Header.Get(rewrite.HeaderForwardedHost); got != "gw.example.com" {
			t.Errorf("X-Forwarded-Host = %q", got)
		}
		if got := s.Header.Get(rewrite.HeaderForwardedPrefix); got != "/api" {
			t.Errorf("X-Forwarded-Prefix = %q", got)
		}
	})
}

func TestServeKeepsEncodedPath(t *testing.T) {
	backend := echoBackend(t)
	r := httptest.NewRequest("GET", "/a%2Fb?Content-Type=text%2Fplain%3Bcharset%3Dutf-8", nil)
	ex, rec := newExchange(t, backend.URL, r)

	if err := New(nil).Serve(ex); err != nil {
		t.Fatal(err)
	}
	s := decode(t, rec)
	if s.RawPath != "/a%2Fb" {
		t.Errorf("raw path = %q", s.RawPath)
	}
	if s.Query != "Content-Type=text%2Fplain%3Bcharset%3Dutf-8" {
		t.Errorf("query = %q", s.Query)
	}
}

type injector struct{ called bool }

func (i *injector) InjectHeaders(_ context.Context, h http.Header) {
	i.called = true
	h.Set("Traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
}

func TestServeInjectsTraceHeaders(t *testing.T) {
	backend := echoBackend(t)
	ex, rec := newExchange(t, backend.URL, httptest.NewRequest("GET", "/x", nil))
	inj := &injector{}

	New(nil, WithHeaderInjector(inj)).Serve(ex)

	if !inj.called {
		t.Fatal("injector not called")
	}
	if decode(t, rec).Header.Get("Traceparent") == "" {
		t.Error("trace header not forwarded")
	}
}

func TestServeBadGateway(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	ex, rec := newExchange(t, addr, httptest.NewRequest("GET", "/x", nil))
	err := New(nil).Serve(ex)

	ge, ok := errors.As(err)
	if !ok || ge.Code != http.StatusBadGateway {
		t.Fatalf("err = %v, want 502 GatewayError", err)
	}
	if ge.RequestID != "req-1" {
		t.Errorf("request id = %q", ge.RequestID)
	}
	if ex.Writer.Written() {
		t.Error("response written on error; the gateway renders it")
	}
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("recorder touched: %d %q", rec.Code, rec.Body.String())
	}
	if ex.Target == nil {
		t.Error("Target not recorded for a failed request")
	}
}

func TestServeRouteTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	ex, _ := newExchange(t, slow.URL, httptest.NewRequest("GET", "/x", nil))
	ex.Route.Timeout = 50 * time.Millisecond

	err := New(nil).Serve(ex)
	if got := errors.StatusOf(err); got != http.StatusGatewayTimeout {
		t.Fatalf("status = %d (%v), want 504", got, err)
	}
}

func TestServeWithoutRoute(t *testing.T) {
	ex := exchange.New(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))
	if got := errors.StatusOf(New(nil).Serve(ex)); got != http.StatusNotFound {
		t.Errorf("status = %d, want 404", got)
	}
}

func TestServeFlushes(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 40*1024))
	}))
	defer backend.Close()

	ex, rec := newExchange(t, backend.URL, httptest.NewRequest("GET", "/x", nil))
	if err := New(nil, WithFlushInterval(time.Millisecond)).Serve(ex); err != nil {
		t.Fatal(err)
	}
	if !rec.Flushed {
		t.Error("response not flushed")
	}
	if rec.Body.Len() != 40*1024 {
		t.Errorf("body = %d bytes", rec.Body.Len())
	}
}
