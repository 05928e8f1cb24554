package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sandwichfarm/negsync/internal/config"
)

// Logger is a structured logger wrapper.
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

// NewLogger creates a new structured logger based on config.
func NewLogger(cfg *config.Logging) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler), level: level, format: cfg.Format}
}

// NewLoggerWithWriter creates a logger with a custom writer, for tests.
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler), level: level, format: cfg.Format}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent adds a component field to all log messages.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component), level: l.level, format: l.format}
}

// WithFields adds custom fields to the logger.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{Logger: l.Logger.With(fields...), level: l.level, format: l.format}
}

// IsDebugEnabled returns true if debug logging is enabled.
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Component-specific logger helpers.

// LogStorageOperation logs an event-store I/O operation.
func (l *Logger) LogStorageOperation(op string, durationMS int64, err error) {
	if err != nil {
		l.Error("storage operation failed", "operation", op, "duration_ms", durationMS, "error", err)
	} else {
		l.Debug("storage operation completed", "operation", op, "duration_ms", durationMS)
	}
}

// LogRelayConnection logs a relay connection lifecycle event.
func (l *Logger) LogRelayConnection(relay string, connected bool, err error) {
	if err != nil {
		l.Warn("relay connection failed", "relay", relay, "error", err)
	} else if connected {
		l.Info("relay connected", "relay", relay)
	} else {
		l.Info("relay disconnected", "relay", relay)
	}
}

// LogSyncProgress logs a worker's checkpointed progress against a relay.
func (l *Logger) LogSyncProgress(relay, filterHash string, count int, cursor int64) {
	l.Debug("sync progress", "relay", relay, "filter_hash", filterHash, "events", count, "cursor", cursor)
}

// LogReconcile logs one Negentropy reconciliation round.
func (l *Logger) LogReconcile(relay string, round int, haveIDs, needIDs int, done bool) {
	l.Debug("reconcile round",
		"relay", relay,
		"round", round,
		"have_ids", haveIDs,
		"need_ids", needIDs,
		"done", done)
}

// LogWorkerOutcome logs a worker's terminal result for a dispatch.
func (l *Logger) LogWorkerOutcome(worker, relay, filterHash string, err error) {
	if err != nil {
		l.Error("worker failed", "worker", worker, "relay", relay, "filter_hash", filterHash, "error", err)
	} else {
		l.Info("worker completed", "worker", worker, "relay", relay, "filter_hash", filterHash)
	}
}

// LogRecovery logs the outcome of a RecoverStale pass.
func (l *Logger) LogRecovery(recoveredStale, retriedErrors int) {
	l.Info("recovery pass completed", "recovered_stale", recoveredStale, "retried_errors", retriedErrors)
}

// LogStartup logs application startup information.
func (l *Logger) LogStartup(version, commit string, config map[string]interface{}) {
	l.Info("negsync starting", "version", version, "commit", commit, "config", config)
}

// LogShutdown logs application shutdown.
func (l *Logger) LogShutdown(reason string) {
	l.Info("negsync shutting down", "reason", reason)
}

// LogPanic logs a panic with stack trace.
func (l *Logger) LogPanic(recovered interface{}, stack string) {
	l.Error("panic recovered", "panic", fmt.Sprintf("%v", recovered), "stack", stack)
}

// Default logger configuration.
var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger(&config.Logging{Level: "info", Format: "text"})
}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Helper functions for common logging patterns.

func Info(msg string, fields ...any) {
	defaultLogger.Info(msg, fields...)
}

func Debug(msg string, fields ...any) {
	defaultLogger.Debug(msg, fields...)
}

func Warn(msg string, fields ...any) {
	defaultLogger.Warn(msg, fields...)
}

func Error(msg string, fields ...any) {
	defaultLogger.Error(msg, fields...)
}
