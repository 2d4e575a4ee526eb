package rewrite

import (
	"net/http"
	"strings"
)

// Forwarded header names.
const (
	HeaderForwardedFor    = "X-Forwarded-For"
	HeaderForwardedHost   = "X-Forwarded-Host"
	HeaderForwardedProto  = "X-Forwarded-Proto"
	HeaderForwardedPrefix = "X-Forwarded-Prefix"
)

// DefaultProto is used when neither X-Forwarded-Proto nor the URI scheme is set.
const DefaultProto = "http"

// ForwardedHeaders is the host/proto/prefix triple injected into a rewritten request.
type ForwardedHeaders struct {
	Host   string
	Proto  string
	Prefix string
}

// Synthesize derives the forwarded headers for a request.
//
// Host comes from the Host header. Proto prefers an existing X-Forwarded-Proto
// over uriScheme so a chain of gateways keeps the client-facing protocol, and
// falls back to "http". Prefix is the configured prefix as given.
func Synthesize(h http.Header, uriScheme, prefix string) ForwardedHeaders {
	return ForwardedHeaders{
		Host:   firstNonBlank(h.Get("Host")),
		Proto:  firstNonBlank(h.Get(HeaderForwardedProto), uriScheme, DefaultProto),
		Prefix: prefix,
	}
}

// Apply sets the three forwarded headers on h, overwriting existing values.
func (f ForwardedHeaders) Apply(h http.Header) {
	h.Set(HeaderForwardedHost, f.Host)
	h.Set(HeaderForwardedProto, f.Proto)
	h.Set(HeaderForwardedPrefix, f.Prefix)
}

// firstNonBlank returns the first value that is not empty or whitespace only.
func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
