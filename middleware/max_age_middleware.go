package middleware

import (
	"context"
	"remotectl/message"
	"time"
)

// MaxInFlightAgeMiddleware answers ERROR("request timed out") once a request has waited longer
// than age for its reply. The request may still be dispatched later; its reply is then dropped.
// A zero age disables the limit.
func MaxInFlightAgeMiddleware(age time.Duration) Middleware {
	if age <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, age)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Error(req.ID, "request timed out")
			}
		}
	}
}
