package plog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Levels used by the application. NOTICE sits between INFO and DEBUG and is used
// for per-entry lines (e.g. every file added to an archive).
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
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
	quietMode     atomic.Bool // Use an atomic bool for safe concurrent reads.
	// level is shared by every handler so SetLevel applies regardless of output.
	level slog.LevelVar
)

// replaceLevelName renders the custom NOTICE level by name instead of "DEBUG+2".
func replaceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if l, ok := a.Value.Any().(slog.Level); ok && l == LevelNotice {
		a.Value = slog.StringValue("NOTICE")
	}
	return a
}

// SetOutput allows redirecting the logger's output, primarily for testing.
func SetOutput(w io.Writer) {
	// When redirecting output for tests, ensure quiet mode is off
	// so that all levels are written to the provided writer.
	quietMode.Store(false)
	defaultLogger.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       &level,
		ReplaceAttr: replaceLevelName,
	})))
}

// SetLevel sets the minimum level that is logged.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// LevelFromString maps a config/flag value to a level. Unknown values yield an error.
func LevelFromString(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "notice":
		return LevelNotice, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %q", s)
	}
}

// SetQuiet enables or disables quiet mode for the global logger.
// In quiet mode, INFO level logs are suppressed.
func SetQuiet(quiet bool) {
	quietMode.Store(quiet)
}

// IsQuiet returns true if the global logger is in quiet mode.
func IsQuiet() bool {
	return quietMode.Load()
}

func init() {
	level.Set(LevelInfo)

	// INFO, NOTICE and DEBUG go to stdout, gated by the shared level.
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       &level,
		ReplaceAttr: replaceLevelName,
	})

	// Handler for warning/error-level logs to stderr
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})

	defaultLogger.Store(slog.New(&LevelDispatchHandler{
		stdoutHandler: stdoutHandler,
		stderrHandler: stderrHandler,
	}))
}

func log(l slog.Level, msg string, args ...any) {
	if l < LevelWarn && quietMode.Load() {
		return
	}
	defaultLogger.Load().Log(context.Background(), l, msg, args...)
}

// Debug logs a debug message.
func Debug(msg string, args ...any) { log(LevelDebug, msg, args...) }

// Notice logs a message that is more verbose than INFO, e.g. one line per archived entry.
func Notice(msg string, args ...any) { log(LevelNotice, msg, args...) }

// Info logs an informational message.
func Info(msg string, args ...any) { log(LevelInfo, msg, args...) }

// Warn logs a warning message.
func Warn(msg string, args ...any) { log(LevelWarn, msg, args...) }

// Error logs an error message.
func Error(msg string, args ...any) { log(LevelError, msg, args...) }
