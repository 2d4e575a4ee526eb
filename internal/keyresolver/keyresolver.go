// Package keyresolver derives the key a request is rate limited under.
package keyresolver

import (
	"fmt"
	"net"
	"strings"

	"github.com/wudi/prefixgate/internal/exchange"
)

// Unknown is the key used when nothing identifies the client.
const Unknown = "unknown"

// Func resolves the rate-limit key for an exchange.
type Func func(ex *exchange.Exchange) string

// IP keys by client address: the first X-Forwarded-For entry, else the
// remote address host, else Unknown.
func IP(ex *exchange.Exchange) string {
	return ClientIP(ex.Original)
}

// ClientIP applies the IP precedence to a request snapshot.
func ClientIP(s exchange.Snapshot) string {
	if xff := s.Header.Get("X-Forwarded-For"); strings.TrimSpace(xff) != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host := remoteHost(s.RemoteAddr); host != "" {
		return host
	}
	return Unknown
}

func remoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Route keys every request of a route together.
func Route(ex *exchange.Exchange) string {
	if id := ex.RouteID(); id != "" {
		return id
	}
	return Unknown
}

// Header keys by the value of the named request header.
func Header(name string) Func {
	return func(ex *exchange.Exchange) string {
		if v := strings.TrimSpace(ex.Original.Header.Get(name)); v != "" {
			return v
		}
		return Unknown
	}
}

// ByName returns a resolver by configuration name: "ip", "route" or
// "header:<Name>". An empty name means "ip".
func ByName(name string) (Func, error) {
	switch {
	case name == "" || name == "ip":
		return IP, nil
	case name == "route":
		return Route, nil
	case strings.HasPrefix(name, "header:"):
		h := strings.TrimSpace(strings.TrimPrefix(name, "header:"))
		if h == "" {
			return nil, fmt.Errorf("key resolver %q: header name is required", name)
		}
		return Header(h), nil
	}
	return nil, fmt.Errorf("unknown key resolver %q", name)
}
