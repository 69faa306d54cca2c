package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"winspec-relay/message"
)

// BusyPolicy decides what happens to a call that arrives while another call is
// executing on the handle.
type BusyPolicy string

const (
	BusyWait BusyPolicy = "wait" // Queue behind the running call until ctx is done
	BusyFail BusyPolicy = "fail" // Reject immediately with message.ErrBusy
)

// ParseBusyPolicy maps a configuration value onto a BusyPolicy.
func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch BusyPolicy(s) {
	case "", BusyWait:
		return BusyWait, nil
	case BusyFail:
		return BusyFail, nil
	}
	return "", fmt.Errorf("unknown busy policy %q", s)
}

// Handle is the single process-wide handle to the automation object.
//
// Every request from every session goes through it, one at a time: the vendor API
// makes no guarantees about concurrent invocation.
type Handle struct {
	root   Object
	policy BusyPolicy
	sem    chan struct{} // capacity 1; holding the token means owning the object
	closed atomic.Bool
}

// NewHandle takes ownership of root. If root implements io.Closer it is closed
// together with the handle.
func NewHandle(root Object, policy BusyPolicy) *Handle {
	if policy == "" {
		policy = BusyWait
	}
	return &Handle{
		root:   root,
		policy: policy,
		sem:    make(chan struct{}, 1),
	}
}

var errHandleClosed = fmt.Errorf("%w: automation handle closed", message.ErrInternal)

func (h *Handle) acquire(ctx context.Context) error {
	if h.closed.Load() {
		return errHandleClosed
	}
	if h.policy == BusyFail {
		select {
		case h.sem <- struct{}{}:
		default:
			return &Error{Code: "SpectrometerBusy", Message: "another operation is in progress", Err: message.ErrBusy}
		}
	} else {
		select {
		case h.sem <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for automation handle: %w", message.ErrTimeout, ctx.Err())
		}
	}
	// Close may have run while this caller was queued.
	if h.closed.Load() {
		h.release()
		return errHandleClosed
	}
	return nil
}

func (h *Handle) release() {
	<-h.sem
}

// resolve walks every path element but the last and returns the object that owns
// the final member, plus every sub-object it obtained on the way. The caller passes
// those to releaseAll when the operation ends, also on error.
func (h *Handle) resolve(ctx context.Context, path []string) (Object, string, []Object, error) {
	if len(path) == 0 {
		return nil, "", nil, fmt.Errorf("%w: empty attribute path", message.ErrInvalidArgument)
	}
	obj := h.root
	var walked []Object
	for i, name := range path[:len(path)-1] {
		v, err := obj.GetProperty(ctx, name)
		if err != nil {
			return nil, "", walked, err
		}
		next, ok := v.(Object)
		if !ok {
			return nil, "", walked, fmt.Errorf("%w: %s is a %T, not an object", message.ErrNotFound, strings.Join(path[:i+1], "."), v)
		}
		walked = append(walked, next)
		obj = next
	}
	return obj, path[len(path)-1], walked, nil
}

// releaser is implemented by objects that hold a reference in the vendor
// application, such as COM sub-objects.
type releaser interface {
	Release()
}

func releaseAll(objs []Object) {
	for i := len(objs) - 1; i >= 0; i-- {
		if r, ok := objs[i].(releaser); ok {
			r.Release()
		}
	}
}

// plainValue rejects object results. They cannot cross the wire, so the reference
// is dropped here.
func plainValue(path []string, v any, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if obj, ok := v.(Object); ok {
		releaseAll([]Object{obj})
		return nil, fmt.Errorf("%w: %s is an object; address its members by path", message.ErrUnsupportedValue, strings.Join(path, "."))
	}
	return v, nil
}

// Get reads the property at path.
func (h *Handle) Get(ctx context.Context, path []string) (any, error) {
	if err := h.acquire(ctx); err != nil {
		return nil, err
	}
	defer h.release()

	obj, name, walked, err := h.resolve(ctx, path)
	defer releaseAll(walked)
	if err != nil {
		return nil, err
	}
	v, err := obj.GetProperty(ctx, name)
	return plainValue(path, v, err)
}

// Set writes the property at path.
func (h *Handle) Set(ctx context.Context, path []string, value json.RawMessage) error {
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()

	obj, name, walked, err := h.resolve(ctx, path)
	defer releaseAll(walked)
	if err != nil {
		return err
	}
	return obj.SetProperty(ctx, name, value)
}

// Call invokes the method at path.
func (h *Handle) Call(ctx context.Context, path []string, args []json.RawMessage) (any, error) {
	if err := h.acquire(ctx); err != nil {
		return nil, err
	}
	defer h.release()

	obj, name, walked, err := h.resolve(ctx, path)
	defer releaseAll(walked)
	if err != nil {
		return nil, err
	}
	v, err := obj.Invoke(ctx, name, args)
	return plainValue(path, v, err)
}

// Close waits for the running call, then releases the automation object.
// Calls made after Close fail.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.sem <- struct{}{}
	defer h.release()
	if c, ok := h.root.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
