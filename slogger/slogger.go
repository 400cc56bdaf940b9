// Package slogger provides structured logging for relay. It wraps log/slog
// with a tinted terminal handler and is designed so other logging libraries
// can be adapted behind the same interface.
package slogger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Logger is the logging interface used throughout relay.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)

	// With returns a Logger that includes the given key-value pairs in
	// every output operation.
	With(keysAndValues ...any) Logger
}

// LogLevel is the minimum level a logger emits.
type LogLevel slog.Level

const (
	LevelDebug LogLevel = LogLevel(slog.LevelDebug)
	LevelInfo  LogLevel = LogLevel(slog.LevelInfo)
	LevelWarn  LogLevel = LogLevel(slog.LevelWarn)
	LevelError LogLevel = LogLevel(slog.LevelError)
)

// DefaultLogLevel applies when no level is configured.
var DefaultLogLevel = LevelInfo

// LevelFromString converts a config string to a LogLevel.
func LevelFromString(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	}
	return DefaultLogLevel
}

type slogLogger struct {
	logger *slog.Logger
}

// New returns a Logger writing tinted output to stdout.
func New(level LogLevel) Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter returns a Logger writing to w. Color is disabled when w is
// not a terminal.
func NewWithWriter(w io.Writer, level LogLevel) Logger {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	handler := tint.NewHandler(w, &tint.Options{
		NoColor:    noColor,
		TimeFormat: time.Kitchen,
		Level:      slog.Level(level),
	})
	return &slogLogger{logger: slog.New(handler)}
}

func (l *slogLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *slogLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}

func (l *slogLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn(msg, keysAndValues...)
}

func (l *slogLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error(msg, keysAndValues...)
}

func (l *slogLogger) With(keysAndValues ...any) Logger {
	return &slogLogger{logger: l.logger.With(keysAndValues...)}
}

type devNullLogger struct{}

// NewDevNull returns a Logger that discards everything.
func NewDevNull() Logger { return devNullLogger{} }

func (devNullLogger) Debug(string, ...any) {}
func (devNullLogger) Info(string, ...any)  {}
func (devNullLogger) Warn(string, ...any)  {}
func (devNullLogger) Error(string, ...any) {}
func (d devNullLogger) With(...any) Logger { return d }

type contextKey string

const loggerKey contextKey = "relay.logger"

// WithLogger returns a new context carrying the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Ctx returns the logger from the context, or a default logger.
func Ctx(ctx context.Context) Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(Logger); ok {
			return logger
		}
	}
	return New(DefaultLogLevel)
}
