package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-rmi/fault"
	"mini-rmi/message"
)

// RateLimit rejects requests beyond a token-bucket rate with a service
// fault response. r is the sustained requests-per-second rate, burst the
// bucket size.
func RateLimit(r float64, burst int) Interceptor {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return fault.ResponseFor(fault.Service("rate limit exceeded", nil))
			}
			return next(ctx, req)
		}
	}
}
