// Package logging builds the process-wide structured logger and the request
// logging middleware.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"dropgate/internal/observability/metrics"
)

// Config controls logger construction.
type Config struct {
	Level  string
	Format string
	Writer io.Writer
}

// LogFormat selects the slog handler encoding.
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init creates a slog.Logger using the provided configuration and installs it
// as the process-wide default logger.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured slog.Logger using the provided configuration.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	switch LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatText:
		handler = slog.NewTextHandler(writer, options)
	default:
		handler = slog.NewJSONHandler(writer, options)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Leveler {
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

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey string

const transferIDKey contextKey = "transfer_id"

// ContextWithTransferID adds the transfer identifier handled by the request
// to the context when it is non-empty.
func ContextWithTransferID(ctx context.Context, id string) context.Context {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, transferIDKey, trimmed)
}

// TransferIDFromContext extracts the transfer identifier previously stored on
// the context.
func TransferIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(transferIDKey).(string)
	return value, ok && value != ""
}

// WithContext returns a logger annotated with the transfer identifier held in
// the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if transferID, ok := TransferIDFromContext(ctx); ok {
		logger = logger.With("transfer_id", transferID)
	}
	return logger
}

// RequestLogger returns middleware that logs each request's method, path,
// status, and duration through the provided logger.
func RequestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)

		requestLogger := WithContext(r.Context(), baseLogger)
		requestLogger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
