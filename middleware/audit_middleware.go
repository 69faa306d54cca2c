package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"winspec-relay/message"
)

// Recorder stores one finished call. audit.Log implements it.
type Recorder interface {
	Record(ctx context.Context, session Session, call *message.Call, result *message.Result, took time.Duration) error
}

// AuditMiddleware hands every finished call to rec. Recording failures are logged and
// never change the result.
func AuditMiddleware(rec Recorder, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			start := time.Now()
			result := next(ctx, call)

			session, _ := SessionFromContext(ctx)
			if err := rec.Record(context.WithoutCancel(ctx), session, call, result, time.Since(start)); err != nil {
				logger.Warn("audit record failed", zap.String("path", call.Target()), zap.Error(err))
			}
			return result
		}
	}
}
