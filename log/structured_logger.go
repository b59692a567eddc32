package log

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level represents the minimum log level.
type Level slog.Level

// Available log levels
const (
	LevelDebug Level = Level(slog.LevelDebug)
	LevelInfo  Level = Level(slog.LevelInfo)
	LevelWarn  Level = Level(slog.LevelWarn)
	LevelError Level = Level(slog.LevelError)
)

// StructuredLogger implements the Logger interface using slog.
type StructuredLogger struct {
	logger *slog.Logger
}

// New returns a StructuredLogger writing to stdout.
func New(level Level) *StructuredLogger {
	return NewWithWriter(os.Stdout, level, !isatty.IsTerminal(os.Stdout.Fd()))
}

// NewWithWriter returns a StructuredLogger writing to w. Used by tests to
// capture output.
func NewWithWriter(w io.Writer, level Level, noColor bool) *StructuredLogger {
	handler := tint.NewHandler(w, &tint.Options{
		NoColor:    noColor,
		TimeFormat: time.Kitchen,
		Level:      slog.Level(level),
	})
	return &StructuredLogger{logger: slog.New(handler)}
}

func (l *StructuredLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *StructuredLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *StructuredLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *StructuredLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *StructuredLogger) With(args ...any) Logger {
	return &StructuredLogger{logger: l.logger.With(args...)}
}

// NullLogger discards everything. Handy default for tests.
type NullLogger struct{}

func (NullLogger) Debug(msg string, args ...any) {}
func (NullLogger) Info(msg string, args ...any)  {}
func (NullLogger) Warn(msg string, args ...any)  {}
func (NullLogger) Error(msg string, args ...any) {}
func (n NullLogger) With(args ...any) Logger     { return n }
