package middleware

import (
	"context"
	"time"

	"meshrpc/message"
)

// Timeout bounds a dispatch. The handler keeps running on its worker
// when the deadline fires; only the caller stops waiting, so handlers
// should honor ctx where they can.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Failure(req.RequestID, message.CodeTimeout,
					"request timed out")
			}
		}
	}
}
