package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"winspec-relay/message"
)

// RetryMiddleware re-runs calls that failed because the spectrometer was busy, with
// exponential backoff. Any other result is returned as is.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			result := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if result.Error == nil || result.Error.Category != message.CategoryBusy {
					return result
				}
				logger.Debug("retrying busy call",
					zap.String("path", call.Target()),
					zap.Int("attempt", i+1))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return result
				case <-timer.C:
				}
				result = next(ctx, call)
			}
			return result
		}
	}
}
