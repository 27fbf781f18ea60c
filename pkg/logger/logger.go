// Package logger configures the process-wide slog logger and carries
// request-scoped logging context. Components obtain their logger through
// WithComponent so every line identifies the subsystem that emitted it.
package logger

import (
	"context"
	"log/slog"
	"os"
)

type requestIDKey struct{}

// Setup installs the default slog logger. Format "json" selects the JSON
// handler; anything else falls back to the text handler.
func Setup(level, format string) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithComponent returns the default logger tagged with a component name.
func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// WithRequestID stores a request id in the context for FromContext to pick
// up.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// FromContext returns the default logger, tagged with the request id when
// the context carries one.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if requestID, ok := ctx.Value(requestIDKey{}).(string); ok {
		logger = logger.With("request_id", requestID)
	}
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
