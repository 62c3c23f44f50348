// Package logging provides the component-scoped logger used throughout the
// workflow engine. Call sites format their own messages ("[component] ...",
// args...) the same way the rest of this codebase's services do.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
)

// Logger is the minimal logging surface every service in this repo depends
// on instead of importing log/slog directly, so components can be tested
// against a fake.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type slogLogger struct {
	base      *slog.Logger
	component string
}

// NewComponentLogger returns a Logger that tags every record with a
// "component" attribute, backed by slog's default handler.
func NewComponentLogger(component string) Logger {
	return &slogLogger{base: slog.Default(), component: component}
}

// NewComponentLoggerWithHandler builds a component logger around a specific
// slog.Handler, so tests can route output through a handler of their own.
func NewComponentLoggerWithHandler(component string, handler slog.Handler) Logger {
	return &slogLogger{base: slog.New(handler), component: component}
}

func (l *slogLogger) Debug(format string, args ...any) { l.log(slog.LevelDebug, format, args...) }
func (l *slogLogger) Info(format string, args ...any)  { l.log(slog.LevelInfo, format, args...) }
func (l *slogLogger) Warn(format string, args ...any)  { l.log(slog.LevelWarn, format, args...) }
func (l *slogLogger) Error(format string, args ...any) { l.log(slog.LevelError, format, args...) }

func (l *slogLogger) log(level slog.Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = sprintf(format, args...)
	}
	l.base.Log(context.Background(), level, msg, slog.String("component", l.component))
}

// nopLogger discards everything; used when no logger was configured.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop is a Logger that discards all messages.
var Nop Logger = nopLogger{}

// IsNil reports whether logger is a nil interface or a typed nil pointer
// hiding behind it, the latter being a common source of panics when an
// embedded *SomeLogger field was never initialized.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	rv := reflect.ValueOf(logger)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

// OrNop returns logger unless it is nil, in which case it returns Nop.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop
	}
	return logger
}

type contextKey struct{}

// WithContext returns a context carrying logger, retrievable via FromContext.
func WithContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored in ctx, or fallback if none was set.
func FromContext(ctx context.Context, fallback Logger) Logger {
	if v, ok := ctx.Value(contextKey{}).(Logger); ok && !IsNil(v) {
		return v
	}
	return OrNop(fallback)
}

func sprintf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}

// defaultHandler is the handler init installs as slog's default: text
// output to stderr, matching the teacher's own plain-text local logging.
var defaultHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})

func init() {
	slog.SetDefault(slog.New(defaultHandler))
}
