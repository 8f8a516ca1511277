// Package middleware composes cross-cutting behavior around request
// dispatch. Middlewares wrap the handler in an onion:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//
// so A's before-code runs first and its after-code runs last.
package middleware

import (
	"context"

	"meshrpc/message"
)

// HandlerFunc processes one request into a response.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

// Middleware wraps a handler with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, applied left-to-right.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
