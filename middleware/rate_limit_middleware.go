package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"winspec-relay/message"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			if !limiter.Allow() {
				return message.Failure(fmt.Errorf("%w: %s", message.ErrRateLimited, call.Target()))
			}
			return next(ctx, call)
		}
	}
}
