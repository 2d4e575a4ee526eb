package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength caps client-supplied IDs; longer ones are replaced.
const maxRequestIDLength = 128

func init() {
	uuid.EnableRandPool()
}

type requestIDKey struct{}

// RequestIDConfig controls where the ID is read and written and how a new
// one is made. Zero fields fall back to RequestIDHeader and a random UUID.
type RequestIDConfig struct {
	Header      string
	Generator   func() string
	TrustHeader bool
}

// DefaultRequestIDConfig reuses a client ID when one is sent.
var DefaultRequestIDConfig = RequestIDConfig{
	Header:      RequestIDHeader,
	Generator:   newRequestID,
	TrustHeader: true,
}

func newRequestID() string {
	return uuid.NewString()
}

// RequestID tags every request with DefaultRequestIDConfig.
func RequestID() Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig)
}

// RequestIDWithConfig stores the ID in the request context and sets it on
// both the forwarded request and the response.
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	header := cfg.Header
	if header == "" {
		header = RequestIDHeader
	}
	generate := cfg.Generator
	if generate == nil {
		generate = newRequestID
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if cfg.TrustHeader {
				id = r.Header.Get(header)
			}
			if id == "" || len(id) > maxRequestIDLength {
				id = generate()
			}
			r.Header.Set(header, id)
			w.Header().Set(header, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

// WithRequestID returns a copy of ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the ID stored by the middleware, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
