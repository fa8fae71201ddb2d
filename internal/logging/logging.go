// Package logging provides structured logging for the ingestion service.
//
// It wraps log/slog so every component logs with the same handler, level
// and attributes:
//
//	logging.Init(slog.LevelInfo, false)
//	log := logging.Component("ingest")
//	log.Info("reading stored", "device_id", id, "bucket", bucket)
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// Tests use it to capture or silence output.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel maps LOG_LEVEL values onto slog levels, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
func Component(name string) *slog.Logger {
	return base().With("component", name)
}

type contextKey int

const contextKeyRequestID contextKey = iota

// ContextWithRequestID adds a request ID to the context for logging.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// RequestID returns the request ID carried by ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// WithContext returns logger enriched with request-scoped values from ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = base()
	}
	if id := RequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	return logger
}

func base() *slog.Logger {
	if Logger == nil {
		return slog.Default()
	}
	return Logger
}
