package alert

import (
	"context"

	logx "cronrelay/pkg/logx"
)

// LogSink writes alerts to the structured log. It never fails.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, a Alert) error {
	fields := []logx.Field{
		logx.String("severity", a.Severity.String()),
		logx.String("key", a.Key),
		logx.String("text", a.Text),
	}
	switch a.Severity {
	case SeverityCritical:
		s.Log.Error("alert: "+a.Title, fields...)
	case SeverityWarning:
		s.Log.Warn("alert: "+a.Title, fields...)
	default:
		s.Log.Info("alert: "+a.Title, fields...)
	}
	return nil
}
