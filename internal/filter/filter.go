// Package filter defines gateway filters: named, configurable request
// transforms composed into a chain that ends in the forwarding stage.
package filter

import (
	"github.com/wudi/prefixgate/internal/exchange"
)

// Handler processes an exchange. A returned error is rendered to the client
// unless a response has already been written.
type Handler interface {
	Serve(ex *exchange.Exchange) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ex *exchange.Exchange) error

// Serve calls f(ex).
func (f HandlerFunc) Serve(ex *exchange.Exchange) error {
	return f(ex)
}

// Filter wraps the rest of the chain. It may modify ex before calling next,
// inspect the result after, or answer the request itself without calling next.
type Filter interface {
	Apply(ex *exchange.Exchange, next Handler) error
}

// Func adapts a function to Filter.
type Func func(ex *exchange.Exchange, next Handler) error

// Apply calls f(ex, next).
func (f Func) Apply(ex *exchange.Exchange, next Handler) error {
	return f(ex, next)
}

// Chain composes filters around terminal. The first filter is outermost.
func Chain(terminal Handler, filters ...Filter) Handler {
	h := terminal
	for i := len(filters) - 1; i >= 0; i-- {
		h = link{filter: filters[i], next: h}
	}
	return h
}

type link struct {
	filter Filter
	next   Handler
}

func (l link) Serve(ex *exchange.Exchange) error {
	return l.filter.Apply(ex, l.next)
}
