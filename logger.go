package jemdb

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with database-specific context helpers.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler falls
// back to the tinted text handler on stderr at Info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.TimeOnly,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTintLogger creates a Logger with colored human-readable output.
func NewTintLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))}
}

// NewJSONLogger creates a Logger that emits JSON records.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards everything.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithTable tags the logger with a table name.
func (l *Logger) WithTable(name string) *Logger {
	return &Logger{Logger: l.Logger.With("table", name)}
}
