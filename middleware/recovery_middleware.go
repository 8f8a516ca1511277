package middleware

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"meshrpc/message"
)

// Recovery converts a panicking handler into a failure response so one
// broken method never tears down a worker.
func Recovery() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logrus.Errorf("rpc %s.%s id=%d panicked: %v",
						req.ServiceName, req.MethodName, req.RequestID, r)
					resp = message.Failure(req.RequestID, message.CodeHandlerError,
						fmt.Sprintf("handler panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
