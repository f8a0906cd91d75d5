package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
	"github.com/JakeFAU/localbiz-harvester/internal/progress"
)

// LogSink mirrors session events into the operator log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionID),
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		level := zapcore.DebugLevel
		msg := "session event"
		switch evt.Kind {
		case progress.KindLog:
			fields = append(fields, zap.String("severity", string(evt.Severity)))
			msg = evt.Message
			level = levelFor(evt.Severity)
		case progress.KindProgress:
			fields = append(fields, zap.Int("percent", evt.Percent))
		case progress.KindRecord:
			if evt.Record != nil {
				fields = append(fields,
					zap.String("name", evt.Record.Name),
					zap.String("map_link", evt.Record.MapLink),
				)
			}
		case progress.KindFinished:
			fields = append(fields, zap.String("state", string(evt.State)))
			level = zapcore.InfoLevel
			msg = "session finished"
		}
		s.logger.Log(level, msg, fields...)
	}
	return nil
}

func levelFor(sev crawler.Severity) zapcore.Level {
	switch sev {
	case crawler.SeverityError:
		return zapcore.ErrorLevel
	case crawler.SeverityWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
