package log

import (
	"context"
	"io"
	"log/slog"
	"runtime"

	"github.com/sirupsen/logrus"
)

// patternHandler is a slog.Handler that renders records through a logrus
// logger using the pattern formatter.
type patternHandler struct {
	logger *logrus.Logger
	level  slog.Leveler
	attrs  logrus.Fields
	group  string
}

func newPatternHandler(w io.Writer, level slog.Leveler, pattern, timeFormat string) *patternHandler {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&formatter{pattern: pattern, time: timeFormat})
	// Filtering happens in Enabled.
	l.SetLevel(logrus.TraceLevel)
	return &patternHandler{logger: l, level: level, attrs: logrus.Fields{}}
}

func (h *patternHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *patternHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := make(logrus.Fields, len(h.attrs)+r.NumAttrs()+1)
	for k, v := range h.attrs {
		fields[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(fields, h.group, a)
		return true
	})
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		fields[callerKey] = frame
	}

	entry := h.logger.WithContext(ctx).WithFields(fields)
	entry.Time = r.Time
	entry.Log(toLogrusLevel(r.Level), r.Message)
	return nil
}

func (h *patternHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		addAttr(next.attrs, h.group, a)
	}
	return next
}

func (h *patternHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.group = qualify(h.group, name)
	return next
}

func (h *patternHandler) clone() *patternHandler {
	attrs := make(logrus.Fields, len(h.attrs))
	for k, v := range h.attrs {
		attrs[k] = v
	}
	return &patternHandler{logger: h.logger, level: h.level, attrs: attrs, group: h.group}
}

// addAttr flattens groups into dotted keys.
func addAttr(fields logrus.Fields, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = qualify(prefix, a.Key)
		}
		for _, ga := range a.Value.Group() {
			addAttr(fields, p, ga)
		}
		return
	}
	fields[qualify(prefix, a.Key)] = a.Value.Any()
}

func qualify(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func toLogrusLevel(l slog.Level) logrus.Level {
	switch {
	case l >= slog.LevelError:
		return logrus.ErrorLevel
	case l >= slog.LevelWarn:
		return logrus.WarnLevel
	case l >= slog.LevelInfo:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}
