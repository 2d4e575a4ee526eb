package keyresolver

import (
	"net/http/httptest"
	"testing"

	"github.com/wudi/prefixgate/internal/exchange"
	"github.com/wudi/prefixgate/internal/router"
)

func newExchange(remoteAddr string, headers map[string]string) *exchange.Exchange {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = remoteAddr
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return exchange.New(httptest.NewRecorder(), r)
}

func TestIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"first forwarded entry", "10.0.0.1:5000", map[string]string{"X-Forwarded-For": " 203.0.113.7 , 10.0.0.2"}, "203.0.113.7"},
		{"single forwarded entry", "10.0.0.1:5000", map[string]string{"X-Forwarded-For": "198.51.100.1"}, "198.51.100.1"},
		{"blank forwarded falls back to remote", "10.0.0.1:5000", map[string]string{"X-Forwarded-For": "   "}, "10.0.0.1"},
		{"empty first entry falls back to remote", "10.0.0.1:5000", map[string]string{"X-Forwarded-For": " ,1.2.3.4"}, "10.0.0.1"},
		{"remote host", "192.0.2.10:1234", nil, "192.0.2.10"},
		{"ipv6 remote", "[2001:db8::1]:443", nil, "2001:db8::1"},
		{"remote without port", "192.0.2.10", nil, "192.0.2.10"},
		{"nothing", "", nil, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IP(newExchange(tt.remote, tt.headers)); got != tt.want {
				t.Errorf("IP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPUsesOriginalHeaders(t *testing.T) {
	ex := newExchange("10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.7"})
	ex.Request.Header.Set("X-Forwarded-For", "spoofed-by-filter")

	if got := IP(ex); got != "203.0.113.7" {
		t.Errorf("IP() = %q, want the client-sent value", got)
	}
}

func TestRouteAndHeader(t *testing.T) {
	ex := newExchange("10.0.0.1:1", map[string]string{"X-Api-Key": "k1"})
	if got := Route(ex); got != "unknown" {
		t.Errorf("Route() without route = %q", got)
	}
	ex.Route = &router.Route{ID: "stress"}
	if got := Route(ex); got != "stress" {
		t.Errorf("Route() = %q", got)
	}
	if got := Header("X-Api-Key")(ex); got != "k1" {
		t.Errorf("Header() = %q", got)
	}
	if got := Header("X-Missing")(ex); got != "unknown" {
		t.Errorf("Header() missing = %q", got)
	}
}

func TestByName(t *testing.T) {
	ex := newExchange("10.0.0.9:1", map[string]string{"X-Tenant": "acme"})
	ex.Route = &router.Route{ID: "r"}

	tests := []struct {
		name string
		want string
	}{
		{"", "10.0.0.9"},
		{"ip", "10.0.0.9"},
		{"route", "r"},
		{"header:X-Tenant", "acme"},
	}
	for _, tt := range tests {
		fn, err := ByName(tt.name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", tt.name, err)
		}
		if got := fn(ex); got != tt.want {
			t.Errorf("ByName(%q) resolved %q, want %q", tt.name, got, tt.want)
		}
	}

	for _, bad := range []string{"cookie", "header:", "header:  "} {
		if _, err := ByName(bad); err == nil {
			t.Errorf("ByName(%q) should fail", bad)
		}
	}
}
