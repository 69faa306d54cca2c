package middleware

import (
	"context"
	"fmt"
	"time"

	"winspec-relay/message"
)

// TimeOutMiddleware bounds the duration of a single call. The call's context is
// cancelled when the limit passes and a timeout failure is returned at once, even if
// the automation layer has not yet noticed.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Result, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case result := <-done:
				return result
			case <-ctx.Done():
				return message.Failure(fmt.Errorf("%w: %s exceeded %s", message.ErrTimeout, call.Target(), timeout))
			}
		}
	}
}
