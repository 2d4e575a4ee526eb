// Package accesslog records per-request log events: failed and error-status
// exchanges, and the mapping from the client's URI to the backend target.
package accesslog

import (
	"context"
	stderrors "errors"
	"time"
)

// Outcome classifies an event.
type Outcome string

const (
	// OutcomeError is an exchange whose chain returned an error.
	OutcomeError Outcome = "error"
	// OutcomeBadStatus is an exchange answered with a status of 400 or more.
	OutcomeBadStatus Outcome = "bad_status"
	// OutcomeRouted is a completed exchange that was forwarded to a backend.
	OutcomeRouted Outcome = "routed"
)

// How the chain terminated.
const (
	TermComplete = "complete"
	TermError    = "error"
	TermCancel   = "cancel"
)

// Event is one access log record.
type Event struct {
	Time      time.Time
	RequestID string
	IP        string
	Method    string
	// Path is the raw path the client requested. Query holds its raw query.
	Path      string
	Query     string
	Status    int
	RouteID   string
	TargetURI string
	Outcome   Outcome
	Term      string
	Err       error
	Duration  time.Duration
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block the caller for long.
type Sink interface {
	Log(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

// Log calls f(ev).
func (f SinkFunc) Log(ev Event) {
	f(ev)
}

// termOf maps a chain result to its termination signal.
func termOf(err error) string {
	switch {
	case err == nil:
		return TermComplete
	case stderrors.Is(err, context.Canceled):
		return TermCancel
	default:
		return TermError
	}
}
