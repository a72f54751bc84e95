// Package middleware wraps the server's invoke step with cross-cutting behaviour.
package middleware

import (
	"context"

	"easy-rpc/message"
)

// HandlerFunc turns a resolved request into its response. It never returns nil.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
