package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/smazurov/camsession/internal/logging"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// HTTPLoggingMiddleware logs HTTP requests with appropriate log levels based on status codes.
// Every response carries a request id, reused from the client when supplied.
func HTTPLoggingMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	logger := logging.GetLogger("http")

	requestID := ctx.Header(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx.SetHeader(RequestIDHeader, requestID)

	method := ctx.Method()
	path := ctx.URL().Path

	logAttrs := []slog.Attr{
		slog.String("request_id", requestID),
		slog.String("method", method),
		slog.String("path", path),
		slog.String("remote_addr", ctx.RemoteAddr()),
	}
	if query := ctx.URL().RawQuery; query != "" && !strings.Contains(query, "auth=") {
		logAttrs = append(logAttrs, slog.String("query", query))
	}
	if userAgent := ctx.Header("User-Agent"); userAgent != "" {
		logAttrs = append(logAttrs, slog.String("user_agent", userAgent))
	}

	next(ctx)

	status := ctx.Status()
	logAttrs = append(logAttrs,
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
	)

	message := "HTTP request completed"
	switch {
	case method == "OPTIONS", isStreamPath(path):
		// Preflights and long-lived streams would flood the log buffer they feed.
		logger.LogAttrs(ctx.Context(), slog.LevelDebug, message, logAttrs...)
	case status >= 500:
		logger.LogAttrs(ctx.Context(), slog.LevelError, message, logAttrs...)
	case status >= 400:
		logger.LogAttrs(ctx.Context(), slog.LevelWarn, message, logAttrs...)
	default:
		logger.LogAttrs(ctx.Context(), slog.LevelInfo, message, logAttrs...)
	}
}

func isStreamPath(path string) bool {
	switch path {
	case "/api/events", "/api/logs/stream", "/api/metrics":
		return true
	}
	return false
}
