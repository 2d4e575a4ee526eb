package accesslog

import (
	"fmt"
	"strconv"

	"github.com/wudi/prefixgate/internal/logging"
	"go.uber.org/zap"
)

// ZapSink writes events to a zap logger. Error and bad-status events are
// logged at warn level with a GW_ERR or GW_4XX5XX message so operators can
// grep for them; route mappings are logged at info level.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a sink on logger, or on the global logger when nil.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = logging.Global()
	}
	return &ZapSink{logger: logger}
}

// Log writes ev.
func (s *ZapSink) Log(ev Event) {
	switch ev.Outcome {
	case OutcomeError:
		s.logger.Warn(fmt.Sprintf("GW_ERR ip=%s method=%s path=%s status=%d route=%s target=%q term=%s err=%v",
			ev.IP, ev.Method, ev.Path, ev.Status, ev.RouteID, ev.TargetURI, ev.Term, ev.Err),
			s.fields(ev)...)
	case OutcomeBadStatus:
		s.logger.Warn(fmt.Sprintf("GW_4XX5XX ip=%s method=%s path=%s status=%d route=%s target=%q term=%s",
			ev.IP, ev.Method, ev.Path, ev.Status, ev.RouteID, ev.TargetURI, ev.Term),
			s.fields(ev)...)
	default:
		status := "-"
		if ev.Status != 0 {
			status = strconv.Itoa(ev.Status)
		}
		uri := ev.Path
		if ev.Query != "" {
			uri += "?" + ev.Query
		}
		s.logger.Info(fmt.Sprintf("route=%s, status=%s, %s %s -> %s", ev.RouteID, status, ev.Method, uri, ev.TargetURI),
			s.fields(ev)...)
	}
}

func (s *ZapSink) fields(ev Event) []zap.Field {
	fields := []zap.Field{
		zap.String("outcome", string(ev.Outcome)),
		zap.String("route", ev.RouteID),
		zap.Int("status", ev.Status),
		zap.Duration("duration", ev.Duration),
	}
	if ev.RequestID != "" {
		fields = append(fields, zap.String("request_id", ev.RequestID))
	}
	return fields
}
