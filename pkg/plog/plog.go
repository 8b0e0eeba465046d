// Package plog is the process-wide structured logger. It is a thin facade over
// log/slog that adds a NOTICE level and splits output between stdout and stderr.
package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Level is a logging level. It maps directly onto slog levels.
type Level slog.Level

const (
	LevelDebug Level = Level(slog.LevelDebug)
	// LevelNotice sits between Debug and Info. It is used for per-item
	// operations (e.g. each expired snapshot) that are too chatty for Info.
	LevelNotice Level = Level(slog.LevelInfo - 2)
	LevelInfo   Level = Level(slog.LevelInfo)
	LevelWarn   Level = Level(slog.LevelWarn)
	LevelError  Level = Level(slog.LevelError)
)

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

var (
	defaultLogger atomic.Pointer[slog.Logger]
	levelVar      = new(slog.LevelVar)
)

// replaceLevelName renders our custom NOTICE level by name instead of "INFO-2".
func replaceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && Level(lvl) == LevelNotice {
		a.Value = slog.StringValue("NOTICE")
	}
	return a
}

func newDispatchLogger(stdout, stderr io.Writer) *slog.Logger {
	stdoutHandler := slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceLevelName,
	})
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       slog.LevelWarn,
		ReplaceAttr: replaceLevelName,
	})
	return slog.New(&LevelDispatchHandler{
		stdoutHandler: stdoutHandler,
		stderrHandler: stderrHandler,
	})
}

func init() {
	levelVar.Set(slog.LevelInfo)
	defaultLogger.Store(newDispatchLogger(os.Stdout, os.Stderr))
}

// SetOutput redirects all levels to a single writer, primarily for testing.
func SetOutput(w io.Writer) {
	defaultLogger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceLevelName,
	})))
}

// ResetOutput restores the default stdout/stderr split.
func ResetOutput() {
	defaultLogger.Store(newDispatchLogger(os.Stdout, os.Stderr))
}

// SetLevel sets the minimum level that is logged.
func SetLevel(l Level) {
	levelVar.Set(slog.Level(l))
}

// LevelFromString converts a level name to a Level. Unknown names map to Info.
func LevelFromString(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Default returns the underlying slog.Logger.
func Default() *slog.Logger {
	return defaultLogger.Load()
}

// Enabled reports whether records at level l would be logged.
func Enabled(l Level) bool {
	return Default().Enabled(context.Background(), slog.Level(l))
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Notice logs a notice message.
func Notice(msg string, args ...any) {
	Default().Log(context.Background(), slog.Level(LevelNotice), msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
