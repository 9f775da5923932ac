// Package logging provides structured logging for runcache components.
//
// It wraps log/slog behind a small Logger type so that library code can log
// unconditionally: a nil or no-op Logger discards everything.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
)

// Level represents a minimum logging level.
type Level int

// Supported levels, lowest first.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Format selects the slog handler used for output.
type Format string

// Supported output formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds configuration for a Logger.
type Config struct {
	// Level sets the minimum level that is emitted.
	Level Level
	// Format selects text or JSON output.
	Format Format
	// Output is where log records are written. Defaults to os.Stderr.
	Output io.Writer
	// AddSource includes file and line number in records.
	AddSource bool
}

// DefaultConfig returns an info-level text logger configuration writing to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: os.Stderr,
	}
}

// Logger provides leveled, structured logging.
// The zero value and a nil *Logger are valid and discard all records.
type Logger struct {
	logger *slog.Logger
}

// New creates a Logger from the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level.slog(),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{logger: slog.New(handler)}
}

// NewNop creates a Logger that discards all records.
func NewNop() *Logger {
	return &Logger{}
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) enabled() bool {
	return l != nil && l.logger != nil
}

// Debug logs a debug-level message.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	if l.enabled() {
		l.logger.DebugContext(ctx, msg, args...)
	}
}

// Info logs an info-level message.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	if l.enabled() {
		l.logger.InfoContext(ctx, msg, args...)
	}
}

// Warn logs a warning-level message.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	if l.enabled() {
		l.logger.WarnContext(ctx, msg, args...)
	}
}

// Error logs an error-level message.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	if l.enabled() {
		l.logger.ErrorContext(ctx, msg, args...)
	}
}

// With returns a Logger that adds the given attributes to every record.
func (l *Logger) With(args ...any) *Logger {
	if !l.enabled() {
		return l
	}
	return &Logger{logger: l.logger.With(args...)}
}

// WithOperation returns a Logger tagged with an operation name.
func (l *Logger) WithOperation(op Operation) *Logger {
	return l.With("operation", string(op))
}

// WithKey returns a Logger tagged with a cache key.
func (l *Logger) WithKey(key string) *Logger {
	return l.With("key", key)
}

// Operation names a cache lifecycle operation for log records.
type Operation string

// Operation names.
const (
	OpSave    Operation = "save"
	OpRestore Operation = "restore"
	OpEnlist  Operation = "enlist"
	OpClean   Operation = "clean"
	OpLoad    Operation = "ledger_load"
	OpDrop    Operation = "ledger_drop"
)

// LogOperation logs the outcome of a backend-touching operation.
func LogOperation(ctx context.Context, logger *Logger, op Operation, duration time.Duration, size int, err error) {
	fields := []any{
		"operation", string(op),
		"duration_ms", duration.Milliseconds(),
		"success", err == nil,
	}
	if size > 0 {
		fields = append(fields, "size", size)
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
		logger.Warn(ctx, "cache operation failed", fields...)
		return
	}
	logger.Debug(ctx, "cache operation completed", fields...)
}

// LogHit logs a cache hit.
func LogHit(ctx context.Context, logger *Logger, key string, size int) {
	logger.Debug(ctx, "cache hit", "key", key, "size", size, "result", "hit")
}

// LogMiss logs a cache miss.
func LogMiss(ctx context.Context, logger *Logger, key string) {
	logger.Info(ctx, "cache miss", "key", key, "result", "miss")
}

// LogCleanup logs the summary of a Clean pass.
func LogCleanup(ctx context.Context, logger *Logger, deleted, failures int, duration time.Duration) {
	fields := []any{
		"deleted", deleted,
		"failures", failures,
		"duration_ms", duration.Milliseconds(),
	}
	if failures > 0 {
		logger.Warn(ctx, "cache cleanup completed with failures", fields...)
		return
	}
	logger.Info(ctx, "cache cleanup completed", fields...)
}

// ParseLevel parses a level name (debug, info, warn, error).
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, errors.Newf(errors.CodeInvalidConfig, "invalid log level: %s", level)
	}
}
