package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"meshrpc/message"
)

// RateLimit rejects requests beyond a token-bucket allowance of r
// requests per second with bursts of burst.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Failure(req.RequestID, message.CodeHandlerError,
					"rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
