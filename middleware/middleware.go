// Package middleware wraps the I/O-side request handler of the server.
//
// The innermost handler enqueues a request into the mailbox and waits for its reply; middleware
// runs around that wait in the connection goroutine and never touches the world.
package middleware

import (
	"context"
	"remotectl/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
