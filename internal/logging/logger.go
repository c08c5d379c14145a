// Package logging provides structured logging configuration using log/slog.
//
// This package integrates with chi's RequestID middleware to propagate
// request IDs through structured log entries, and can fan every record out
// to a JSON log file alongside the primary stdout handler.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	slogmulti "github.com/samber/slog-multi"
)

// Setup configures the global slog logger based on level and format.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
//
// When file is non-empty, records are additionally written as JSON to that
// path. The returned function closes the file and is always safe to call.
func Setup(level, format, file string) func() error {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	primary := newHandler(os.Stdout, format, opts)
	if file == "" {
		slog.SetDefault(slog.New(primary))
		return func() error { return nil }
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.SetDefault(slog.New(primary))
		slog.Error("failed to open log file, using stdout only", "error", err, "file", file)
		return func() error { return nil }
	}

	slog.SetDefault(slog.New(slogmulti.Fanout(primary, slog.NewJSONHandler(f, opts))))
	return f.Close
}

// NewLogger builds a logger writing to primary in the given format and, when
// mirror is non-nil, to mirror as JSON. Intended for tests and tools.
func NewLogger(primary io.Writer, mirror io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	h := newHandler(primary, format, opts)
	if mirror == nil {
		return slog.New(h)
	}
	return slog.New(slogmulti.Fanout(h, slog.NewJSONHandler(mirror, opts)))
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// FromContext returns a logger enriched with request context.
//
// When called with a request context that contains a chi RequestID,
// the returned logger automatically includes request_id in all log entries.
//
// Usage:
//
//	func handleRequest(w http.ResponseWriter, r *http.Request) {
//	    logger := logging.FromContext(r.Context())
//	    logger.Info("processing request", "dataset_id", id)
//	}
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}

	return logger
}

// WithFields returns a logger with additional structured fields.
//
// Usage:
//
//	jobLogger := logging.WithFields(ctx,
//	    "job_id", job.ID,
//	    "kind", job.Kind,
//	)
//	jobLogger.Info("job claimed")
//	// ... later ...
//	jobLogger.Info("job succeeded", "rows", n)
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}

// WithRequestID stores id where chi's RequestID middleware would, so code
// outside an HTTP request (job workers, the sweeper) logs a correlating id
// through FromContext.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, middleware.RequestIDKey, id)
}
