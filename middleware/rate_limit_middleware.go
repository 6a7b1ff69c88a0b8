package middleware

import (
	"context"
	"golang.org/x/time/rate"
	"remotectl/message"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
//
// Rejected requests are answered before they reach the mailbox. A non-positive rate disables
// the limit.
func RateLimitMiddleware(r float64, burst int) Middleware {
	if r <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Error(req.ID, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
