package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"winspec-relay/message"
)

// LoggingMiddleware logs every call with its duration and, for failures, the category.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			start := time.Now()
			result := next(ctx, call)

			fields := []zap.Field{
				zap.String("kind", string(call.Kind)),
				zap.String("path", call.Target()),
				zap.Duration("duration", time.Since(start)),
			}
			if s, ok := SessionFromContext(ctx); ok {
				fields = append(fields, zap.String("session", s.ID))
			}
			if result.Error != nil {
				fields = append(fields,
					zap.String("category", string(result.Error.Category)),
					zap.String("code", result.Error.Code),
					zap.String("error", result.Error.Message))
				logger.Warn("call failed", fields...)
				return result
			}
			logger.Debug("call", fields...)
			return result
		}
	}
}
