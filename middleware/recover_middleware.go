package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"winspec-relay/message"
)

// RecoverMiddleware converts a panic further down the chain into an internal failure.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (result *message.Result) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic during call", zap.String("path", call.Target()), zap.Any("panic", r), zap.Stack("stack"))
					result = message.Failure(fmt.Errorf("%w: panic in %s: %v", message.ErrInternal, call.Target(), r))
				}
			}()
			return next(ctx, call)
		}
	}
}
