package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"winspec-relay/message"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, call *message.Call) *message.Result {
	return message.Success(json.RawMessage(`"ok"`))
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, call *message.Call) *message.Result {
	time.Sleep(200 * time.Millisecond)
	return message.Success(json.RawMessage(`"ok"`))
}

var wavelength = &message.Call{Kind: message.KindGet, Path: []string{"Wavelength"}}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zaptest.NewLogger(t))(echoHandler)

	resp := handler(context.Background(), wavelength)
	require.NotNil(t, resp)
	require.True(t, resp.OK)
	require.JSONEq(t, `"ok"`, string(resp.Value))

	failing := LoggingMiddleware(zaptest.NewLogger(t))(func(context.Context, *message.Call) *message.Result {
		return message.Failure(message.ErrNotFound)
	})
	ctx := WithSession(context.Background(), Session{ID: "s1", Remote: "127.0.0.1:5000"})
	require.Equal(t, message.CategoryNotFound, failing(ctx, wavelength).Error.Category)
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), wavelength)
	require.True(t, resp.OK)
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), wavelength)
	require.False(t, resp.OK)
	require.Equal(t, message.CategoryTimeout, resp.Error.Category)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), wavelength)
		require.True(t, resp.OK, "request %d should pass", i)
	}

	resp := handler(context.Background(), wavelength)
	require.False(t, resp.OK)
	require.Equal(t, message.CategoryRateLimited, resp.Error.Category)
}

func TestRetryBusy(t *testing.T) {
	attempts := 0
	flaky := func(context.Context, *message.Call) *message.Result {
		attempts++
		if attempts < 3 {
			return message.Failure(message.ErrBusy)
		}
		return message.Success(json.RawMessage(`1`))
	}

	handler := RetryMiddleware(3, time.Millisecond, zaptest.NewLogger(t))(flaky)
	resp := handler(context.Background(), wavelength)
	require.True(t, resp.OK)
	require.Equal(t, 3, attempts)
}

func TestRetryIgnoresOtherFailures(t *testing.T) {
	attempts := 0
	broken := func(context.Context, *message.Call) *message.Result {
		attempts++
		return message.Failure(message.ErrNotFound)
	}

	handler := RetryMiddleware(3, time.Millisecond, zaptest.NewLogger(t))(broken)
	resp := handler(context.Background(), wavelength)
	require.Equal(t, message.CategoryNotFound, resp.Error.Category)
	require.Equal(t, 1, attempts)
}

func TestRetryGivesUp(t *testing.T) {
	attempts := 0
	busy := func(context.Context, *message.Call) *message.Result {
		attempts++
		return message.Failure(message.ErrBusy)
	}

	handler := RetryMiddleware(2, time.Millisecond, zaptest.NewLogger(t))(busy)
	resp := handler(context.Background(), wavelength)
	require.Equal(t, message.CategoryBusy, resp.Error.Category)
	require.Equal(t, 3, attempts)
}

func TestRecover(t *testing.T) {
	handler := RecoverMiddleware(zaptest.NewLogger(t))(func(context.Context, *message.Call) *message.Result {
		panic("boom")
	})

	resp := handler(context.Background(), wavelength)
	require.False(t, resp.OK)
	require.Equal(t, message.CategoryInternal, resp.Error.Category)
	require.Contains(t, resp.Error.Message, "boom")
}

type recorded struct {
	session Session
	path    string
	ok      bool
}

type memRecorder struct {
	mu      sync.Mutex
	entries []recorded
	err     error
}

func (m *memRecorder) Record(ctx context.Context, session Session, call *message.Call, result *message.Result, took time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, recorded{session, call.Target(), result.OK})
	return m.err
}

func TestAudit(t *testing.T) {
	rec := &memRecorder{}
	handler := AuditMiddleware(rec, zaptest.NewLogger(t))(echoHandler)

	ctx := WithSession(context.Background(), Session{ID: "s1"})
	require.True(t, handler(ctx, wavelength).OK)

	require.Len(t, rec.entries, 1)
	require.Equal(t, recorded{Session{ID: "s1"}, "Wavelength", true}, rec.entries[0])

	// A broken recorder does not change the outcome.
	rec.err = errors.New("disk full")
	require.True(t, handler(ctx, wavelength).OK)
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *message.Call) *message.Result {
				order = append(order, name)
				return next(ctx, call)
			}
		}
	}

	chained := Chain(mark("outer"), LoggingMiddleware(zaptest.NewLogger(t)), TimeOutMiddleware(500*time.Millisecond), mark("inner"))
	resp := chained(echoHandler)(context.Background(), wavelength)

	require.True(t, resp.OK)
	require.Equal(t, []string{"outer", "inner"}, order)
}

func TestSessionFromContext(t *testing.T) {
	_, ok := SessionFromContext(context.Background())
	require.False(t, ok)

	s, ok := SessionFromContext(WithSession(context.Background(), Session{ID: "x", Remote: "r"}))
	require.True(t, ok)
	require.Equal(t, "x", s.ID)
}
