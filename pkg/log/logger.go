// Package log provides structured logging utilities for the nanogate gateway.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	// Parse log level
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// Create handler based on format
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	// Create base logger with service context
	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	// Add request ID if available
	if reqID := ctx.Value("request_id"); reqID != nil {
		logger = logger.With("request_id", reqID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithAccount returns a logger with an account field
func (l *Logger) WithAccount(account string) *Logger {
	return l.WithFields("account", account)
}

// WithEndpoint returns a logger with a remote endpoint field
func (l *Logger) WithEndpoint(endpoint string) *Logger {
	return l.WithFields("endpoint", endpoint)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Connection logging helpers

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogRPCCall logs an upstream RPC call outcome
func (l *Logger) LogRPCCall(action string, durationMs float64, err error) {
	if err != nil {
		l.Warn("rpc call failed",
			"action", action,
			"duration_ms", durationMs,
			"error", err.Error(),
		)
		return
	}
	l.Debug("rpc call",
		"action", action,
		"duration_ms", durationMs,
	)
}

// Work delegation logging helpers

// LogWorkDelegated logs a proof-of-work request handed to the dPoW service
func (l *Logger) LogWorkDelegated(id uint64, hash string) {
	l.Info("work delegated",
		"correlation_id", id,
		"hash", hash,
	)
}

// LogWorkResolved logs the resolution of a delegated proof-of-work request
func (l *Logger) LogWorkResolved(id uint64, source, status string) {
	l.Info("work resolved",
		"correlation_id", id,
		"source", source,
		"status", status,
	)
}

// LogSubscription logs a change to the node subscription set
func (l *Logger) LogSubscription(command string, accounts int) {
	l.Info("subscription updated",
		"command", command,
		"account_count", accounts,
	)
}

// LogEventRelay logs the fan-out of a node event to downstream clients
func (l *Logger) LogEventRelay(topic string, clients int) {
	l.Debug("event relayed",
		"topic", topic,
		"client_count", clients,
	)
}
