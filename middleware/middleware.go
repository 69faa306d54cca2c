// Package middleware wraps the dispatch of a Call against the automation handle.
//
// Middlewares run on the server, in the order they were added, around a HandlerFunc
// that performs the call. A middleware never returns an error: failures are turned
// into a failure Result so the client sees them with their category.
package middleware

import (
	"context"

	"winspec-relay/message"
)

type HandlerFunc func(ctx context.Context, call *message.Call) *message.Result

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

// Session describes the websocket connection a call arrived on.
type Session struct {
	ID     string
	Remote string
}

type sessionKey struct{}

// WithSession attaches the session to ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session attached by WithSession, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(Session)
	return s, ok
}
