package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mini-rmi/message"
)

// Logging logs every dispatched request with its duration and status.
func Logging(logger zerolog.Logger) Interceptor {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			logger.Info().
				Str("module", "middleware.logging").
				Str("interface", req.Interface).
				Str("method", req.Method).
				Dur("duration", time.Since(start)).
				Bool("fault", resp.Status == message.StatusFault).
				Msg("request dispatched")
			return resp
		}
	}
}
