package accesslog

import (
	"net"
	"time"

	"github.com/wudi/prefixgate/internal/errors"
	"github.com/wudi/prefixgate/internal/exchange"
	"github.com/wudi/prefixgate/internal/filter"
)

// Filter names.
const (
	ErrorLogName        = "ErrorAccessLog"
	RouteMappingLogName = "RouteMappingLog"
)

const noRoute = "no-route"

// ErrorLog is a filter that reports exchanges which failed or were answered
// with a status of 400 or more.
type ErrorLog struct {
	sink Sink
}

// NewErrorLog creates the filter.
func NewErrorLog(sink Sink) *ErrorLog {
	return &ErrorLog{sink: sink}
}

// Apply runs the rest of the chain and logs on the way back. The chain's
// error is returned unchanged.
func (f *ErrorLog) Apply(ex *exchange.Exchange, next filter.Handler) error {
	err := next.Serve(ex)

	status := ex.Status()
	if status == 0 && err != nil {
		status = errors.StatusOf(err)
	}
	if err == nil && status < 400 {
		return nil
	}

	ev := Event{
		Time:      time.Now(),
		RequestID: ex.RequestID,
		IP:        clientAddr(ex.Original),
		Method:    ex.Original.Method,
		Path:      ex.Original.URL.EscapedPath(),
		Query:     ex.Original.URL.RawQuery,
		Status:    status,
		RouteID:   noRoute,
		TargetURI: ex.Original.URL.String(),
		Outcome:   OutcomeBadStatus,
		Term:      termOf(err),
		Err:       err,
		Duration:  time.Since(ex.StartTime),
	}
	if id := ex.RouteID(); id != "" {
		ev.RouteID = id
	}
	if ex.Target != nil {
		ev.TargetURI = ex.Target.String()
	}
	if err != nil {
		ev.Outcome = OutcomeError
	}
	f.sink.Log(ev)
	return err
}

// clientAddr is the raw first X-Forwarded-For value, else the remote host.
func clientAddr(s exchange.Snapshot) string {
	if xff := s.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if s.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(s.RemoteAddr); err == nil {
			return host
		}
		return s.RemoteAddr
	}
	return "unknown"
}

// RouteMappingLog is a filter that logs, for each exchange that completed
// after being forwarded, the client's method and URI next to the backend
// target.
type RouteMappingLog struct {
	sink Sink
}

// NewRouteMappingLog creates the filter.
func NewRouteMappingLog(sink Sink) *RouteMappingLog {
	return &RouteMappingLog{sink: sink}
}

// Apply runs the rest of the chain and logs when both a route and a target
// were bound.
func (f *RouteMappingLog) Apply(ex *exchange.Exchange, next filter.Handler) error {
	err := next.Serve(ex)
	if err != nil || ex.Route == nil || ex.Target == nil {
		return err
	}
	f.sink.Log(Event{
		Time:      time.Now(),
		RequestID: ex.RequestID,
		Method:    ex.Request.Method,
		Path:      ex.Original.URL.EscapedPath(),
		Query:     ex.Original.URL.RawQuery,
		Status:    ex.Status(),
		RouteID:   ex.Route.ID,
		TargetURI: ex.Target.String(),
		Outcome:   OutcomeRouted,
		Term:      TermComplete,
		Duration:  time.Since(ex.StartTime),
	})
	return nil
}

// ErrorLogFactory returns a filter.Factory for ErrorAccessLog. It takes no
// arguments.
func ErrorLogFactory(sink Sink) filter.Factory {
	return func(filter.Args) (filter.Filter, error) {
		return NewErrorLog(sink), nil
	}
}

// RouteMappingLogFactory returns a filter.Factory for RouteMappingLog.
func RouteMappingLogFactory(sink Sink) filter.Factory {
	return func(filter.Args) (filter.Filter, error) {
		return NewRouteMappingLog(sink), nil
	}
}
