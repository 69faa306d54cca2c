package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"

	"winspec-relay/message"
)

// HRESULTs that map onto a more specific category than "automation".
const (
	hrDispMemberNotFound      uint32 = 0x80020003
	hrDispTypeMismatch        uint32 = 0x80020005
	hrDispUnknownName         uint32 = 0x80020006
	hrDispOverflow            uint32 = 0x8002000A
	hrDispBadParamCount       uint32 = 0x8002000E
	hrDispParamNotOptional    uint32 = 0x8002000F
	hrRPCCallRejected         uint32 = 0x80010001
	hrRPCServerCallRetryLater uint32 = 0x8001010A
)

// hresultError wraps a failed COM call in an *Error carrying the HRESULT as code.
func hresultError(target string, code uint32, text string) *Error {
	e := &Error{
		Code:    fmt.Sprintf("0x%08X", code),
		Message: target + ": " + text,
	}
	switch code {
	case hrDispUnknownName, hrDispMemberNotFound:
		e.Err = message.ErrNotFound
	case hrDispTypeMismatch, hrDispBadParamCount, hrDispParamNotOptional, hrDispOverflow:
		e.Err = message.ErrInvalidArgument
	case hrRPCCallRejected, hrRPCServerCallRetryLater:
		e.Err = message.ErrBusy
	}
	return e
}

// comScalar decodes a JSON argument into a value IDispatch::Invoke accepts.
// Integral numbers become int32 (VT_I4) when they fit, other numbers float64.
func comScalar(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", message.ErrInvalidArgument, err)
	}
	switch x := v.(type) {
	case nil, bool, string:
		return x, nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			if n >= math.MinInt32 && n <= math.MaxInt32 {
				return int32(n), nil
			}
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", message.ErrInvalidArgument, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: COM arguments must be scalars, got %s", message.ErrUnsupportedValue, raw)
}

func comScalars(args []json.RawMessage) ([]any, error) {
	out := make([]any, 0, len(args))
	for i, raw := range args {
		v, err := comScalar(raw)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

const (
	resultPending int32 = iota
	resultDelivered
	resultAbandoned
)

type comOutcome struct {
	v   any
	err error
}

// comResult hands one result from the COM thread to the caller waiting for it.
// A caller whose ctx ends first abandons the result, and the COM thread then
// disposes of the value itself.
type comResult struct {
	state atomic.Int32
	ch    chan comOutcome
}

func newComResult() *comResult {
	return &comResult{ch: make(chan comOutcome, 1)}
}

// deliver reports whether the caller took v. When it returns false nobody else
// holds v.
func (r *comResult) deliver(v any, err error) bool {
	if !r.state.CompareAndSwap(resultPending, resultDelivered) {
		return false
	}
	r.ch <- comOutcome{v: v, err: err}
	return true
}

// wait returns the delivered result, or an ErrTimeout error once ctx ends.
func (r *comResult) wait(ctx context.Context) (any, error) {
	select {
	case o := <-r.ch:
		return o.v, o.err
	case <-ctx.Done():
		if r.state.CompareAndSwap(resultPending, resultAbandoned) {
			return nil, fmt.Errorf("%w: %w", message.ErrTimeout, ctx.Err())
		}
		// Delivered concurrently; the value is already on its way.
		o := <-r.ch
		return o.v, o.err
	}
}
