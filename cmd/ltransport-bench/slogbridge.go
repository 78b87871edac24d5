package main

import (
	"context"
	"log/slog"

	"github.com/sirupsen/logrus"
)

// logrusHandler adapts slog.Handler onto a *logrus.Logger, so the
// library packages' log/slog calls surface through the same logrus
// output the harness itself uses for its own [BENCH] lines — this
// binary is the one place in the module that still wants logrus-style
// CLI output end to end, mirroring the teacher repo carrying logrus
// (root) and slog (pkg/) side by side.
type logrusHandler struct {
	logger *logrus.Logger
	fields logrus.Fields
}

func newLogrusHandler(logger *logrus.Logger) *logrusHandler {
	return &logrusHandler{logger: logger, fields: logrus.Fields{}}
}

func (h *logrusHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.IsLevelEnabled(toLogrusLevel(level))
}

func (h *logrusHandler) Handle(_ context.Context, record slog.Record) error {
	entry := h.logger.WithFields(h.fields)
	record.Attrs(func(a slog.Attr) bool {
		entry = entry.WithField(a.Key, a.Value.Any())
		return true
	})
	entry.Log(toLogrusLevel(record.Level), record.Message)
	return nil
}

func (h *logrusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := logrus.Fields{}
	for k, v := range h.fields {
		merged[k] = v
	}
	for _, a := range attrs {
		merged[a.Key] = a.Value.Any()
	}
	return &logrusHandler{logger: h.logger, fields: merged}
}

func (h *logrusHandler) WithGroup(name string) slog.Handler {
	return h
}

func toLogrusLevel(level slog.Level) logrus.Level {
	switch {
	case level >= slog.LevelError:
		return logrus.ErrorLevel
	case level >= slog.LevelWarn:
		return logrus.WarnLevel
	case level >= slog.LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}
