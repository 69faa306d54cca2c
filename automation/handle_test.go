package automation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"winspec-relay/message"
)

// slowObject blocks in Invoke until released, to hold the handle.
type slowObject struct {
	entered chan struct{}
	release chan struct{}
	closed  bool
	gets    atomic.Int32
}

func (o *slowObject) GetProperty(context.Context, string) (any, error) {
	o.gets.Add(1)
	return 1, nil
}

func (o *slowObject) SetProperty(context.Context, string, json.RawMessage) error { return nil }

func (o *slowObject) Invoke(ctx context.Context, name string, _ []json.RawMessage) (any, error) {
	o.entered <- struct{}{}
	<-o.release
	return name, nil
}

func (o *slowObject) Close() error {
	o.closed = true
	return nil
}

func newSlowObject() *slowObject {
	return &slowObject{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

// refObject hands out a new referenced sub-object on every read of Sub, the way
// a COM property returning IDispatch does.
type refObject struct {
	live *int
}

func (o *refObject) GetProperty(_ context.Context, name string) (any, error) {
	switch name {
	case "Sub":
		*o.live++
		return &refObject{live: o.live}, nil
	case "Value":
		return 1.0, nil
	}
	return nil, notFound("property", name)
}

func (o *refObject) SetProperty(context.Context, string, json.RawMessage) error { return nil }

func (o *refObject) Invoke(_ context.Context, name string, _ []json.RawMessage) (any, error) {
	if name == "Open" {
		*o.live++
		return &refObject{live: o.live}, nil
	}
	return nil, notFound("method", name)
}

func (o *refObject) Release() { *o.live-- }

func TestHandleResolvesPath(t *testing.T) {
	h := NewHandle(MustReflect(&stage{position: 4, grating: &grating{groove: 600}}), BusyWait)
	ctx := context.Background()

	v, err := h.Get(ctx, []string{"Grating", "Grooves"})
	require.NoError(t, err)
	require.Equal(t, 600, v)

	require.NoError(t, h.Set(ctx, []string{"Grating", "Grooves"}, json.RawMessage(`1800`)))
	v, err = h.Get(ctx, []string{"Grating", "Grooves"})
	require.NoError(t, err)
	require.Equal(t, 1800, v)

	v, err = h.Call(ctx, []string{"Move"}, []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`"x"`)})
	require.NoError(t, err)
	require.Equal(t, "x", v)
}

func TestHandlePathErrors(t *testing.T) {
	h := NewHandle(MustReflect(&stage{grating: &grating{}}), BusyWait)
	ctx := context.Background()

	_, err := h.Get(ctx, nil)
	require.ErrorIs(t, err, message.ErrInvalidArgument)

	// Position is a number, not an object.
	_, err = h.Get(ctx, []string{"Position", "Units"})
	require.ErrorIs(t, err, message.ErrNotFound)

	_, err = h.Get(ctx, []string{"Turret", "Index"})
	require.ErrorIs(t, err, message.ErrNotFound)
}

func TestHandleBusyFail(t *testing.T) {
	obj := newSlowObject()
	h := NewHandle(obj, BusyFail)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.Call(ctx, []string{"Acquire"}, nil)
	}()
	<-obj.entered

	_, err := h.Get(ctx, []string{"Wavelength"})
	require.ErrorIs(t, err, message.ErrBusy)
	var vendor *Error
	require.True(t, errors.As(err, &vendor))
	require.Equal(t, "SpectrometerBusy", vendor.Code)

	close(obj.release)
	wg.Wait()

	v, err := h.Get(ctx, []string{"Wavelength"})
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestHandleBusyWaitHonoursContext(t *testing.T) {
	obj := newSlowObject()
	h := NewHandle(obj, BusyWait)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.Call(context.Background(), []string{"Acquire"}, nil)
	}()
	<-obj.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.Get(ctx, []string{"Wavelength"})
	require.ErrorIs(t, err, message.ErrTimeout)

	// A queued call proceeds once the running one finishes.
	done := make(chan error, 1)
	go func() {
		_, err := h.Get(context.Background(), []string{"Wavelength"})
		done <- err
	}()
	close(obj.release)
	require.NoError(t, <-done)
	wg.Wait()
}

func TestHandleClose(t *testing.T) {
	obj := newSlowObject()
	h := NewHandle(obj, BusyWait)

	require.NoError(t, h.Close())
	require.True(t, obj.closed)
	require.NoError(t, h.Close())

	_, err := h.Get(context.Background(), []string{"Wavelength"})
	require.ErrorIs(t, err, message.ErrInternal)
}

func TestHandleReleasesSubObjects(t *testing.T) {
	var live int
	h := NewHandle(&refObject{live: &live}, BusyWait)
	ctx := context.Background()

	v, err := h.Get(ctx, []string{"Sub", "Sub", "Value"})
	require.NoError(t, err)
	require.Equal(t, 1.0, v)
	require.Zero(t, live)

	require.NoError(t, h.Set(ctx, []string{"Sub", "Value"}, json.RawMessage(`2`)))
	require.Zero(t, live)

	_, err = h.Get(ctx, []string{"Sub", "Missing", "Value"})
	require.ErrorIs(t, err, message.ErrNotFound)
	require.Zero(t, live)

	// Objects cannot be returned; the reference is dropped with the error.
	_, err = h.Get(ctx, []string{"Sub", "Sub"})
	require.ErrorIs(t, err, message.ErrUnsupportedValue)
	require.Zero(t, live)

	_, err = h.Call(ctx, []string{"Sub", "Open"}, nil)
	require.ErrorIs(t, err, message.ErrUnsupportedValue)
	require.Zero(t, live)
}

func TestHandleCloseWhileQueued(t *testing.T) {
	obj := newSlowObject()
	h := NewHandle(obj, BusyWait)

	running := make(chan error, 1)
	go func() {
		_, err := h.Call(context.Background(), []string{"Acquire"}, nil)
		running <- err
	}()
	<-obj.entered

	queued := make(chan error, 1)
	go func() {
		_, err := h.Get(context.Background(), []string{"Wavelength"})
		queued <- err
	}()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- h.Close() }()
	time.Sleep(50 * time.Millisecond)

	close(obj.release)
	require.NoError(t, <-running)
	require.NoError(t, <-closed)
	require.ErrorIs(t, <-queued, message.ErrInternal)
	require.Zero(t, obj.gets.Load(), "queued call reached the closed object")
}

func TestParseBusyPolicy(t *testing.T) {
	p, err := ParseBusyPolicy("")
	require.NoError(t, err)
	require.Equal(t, BusyWait, p)

	p, err = ParseBusyPolicy("fail")
	require.NoError(t, err)
	require.Equal(t, BusyFail, p)

	_, err = ParseBusyPolicy("spin")
	require.Error(t, err)
}
