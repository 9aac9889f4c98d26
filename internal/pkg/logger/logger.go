package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	globalLogger *slog.Logger
	once         sync.Once
)

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init configures the process-wide logger once. format is "json" (default) or "text".
func Init(level, format string) {
	once.Do(func() {
		globalLogger = newLogger(os.Stdout, level, format)
		slog.SetDefault(globalLogger)
	})
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", "accountgate")
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		Init("info", "json")
	}
	return globalLogger
}

func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// Component returns a logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Get().With("component", name)
}

func LogError(ctx context.Context, err error, msg string, args ...any) {
	if err == nil {
		return
	}
	args = append(args, slog.String("error", err.Error()))
	Get().ErrorContext(ctx, msg, args...)
}
