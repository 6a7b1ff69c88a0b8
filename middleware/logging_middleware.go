package middleware

import (
	"context"
	"log/slog"
	"remotectl/message"
	"time"
)

// LoggingMiddleware records verb, id, status and duration of every request.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			attrs := []slog.Attr{
				slog.String("verb", req.Verb),
				slog.String("id", string(req.ID)),
				slog.Duration("duration", time.Since(start)),
			}
			if conn := ConnID(ctx); conn != "" {
				attrs = append(attrs, slog.String("conn", conn))
			}
			if resp.Status == message.StatusError {
				logger.LogAttrs(ctx, slog.LevelWarn, "request failed", append(attrs, slog.String("error", resp.Message))...)
				return resp
			}
			logger.LogAttrs(ctx, slog.LevelDebug, "request handled", attrs...)
			return resp
		}
	}
}
