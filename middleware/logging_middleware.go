package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"meshrpc/message"
)

// Logging records every dispatched call with its duration and outcome.
func Logging() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			if resp.Success {
				logrus.Infof("rpc %s.%s id=%d took %s",
					req.ServiceName, req.MethodName, req.RequestID, duration)
			} else {
				logrus.Warnf("rpc %s.%s id=%d took %s failed code=%d: %s",
					req.ServiceName, req.MethodName, req.RequestID, duration,
					resp.ErrorCode, resp.ErrorMessage)
			}
			return resp
		}
	}
}
