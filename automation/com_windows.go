//go:build windows

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"winspec-relay/message"
)

// comThread runs every COM call on one locked OS thread. Winspec's objects live in
// a single-threaded apartment and must be used from the thread that attached them.
type comThread struct {
	calls   chan func()
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	owned   []*ole.IDispatch // attached roots; only touched on the COM thread
}

// comRoot is the Namespace of attached objects plus the thread that owns them.
type comRoot struct {
	Namespace
	th *comThread
}

func (r *comRoot) Close() error {
	r.th.close()
	return nil
}

// OpenCOM attaches to the running Winspec application. objects maps the member
// names exposed to clients onto ProgIDs, e.g. "ExpSetup" → "WinX32.ExpSetup".
func OpenCOM(objects map[string]string) (Object, error) {
	if len(objects) == 0 {
		return nil, errors.New("automation: no COM objects configured")
	}
	th := &comThread{
		calls:   make(chan func()),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	ready := make(chan error, 1)
	go th.loop(ready)
	if err := <-ready; err != nil {
		return nil, err
	}

	names := make([]string, 0, len(objects))
	for name := range objects {
		names = append(names, name)
	}
	sort.Strings(names)

	root := &comRoot{Namespace: make(Namespace, len(objects)), th: th}
	_, err := th.do(context.Background(), func() (any, error) {
		for _, name := range names {
			disp, err := attach(objects[name])
			if err != nil {
				return nil, fmt.Errorf("attach %s (%s): %w", name, objects[name], err)
			}
			th.owned = append(th.owned, disp)
			root.Namespace[name] = &dispatchObject{th: th, disp: disp, name: name, pinned: true}
		}
		return nil, nil
	})
	if err != nil {
		th.close()
		return nil, err
	}
	return root, nil
}

// attach prefers the instance Winspec already registered; creating the object
// connects to the running out-of-process server as well.
func attach(progID string) (*ole.IDispatch, error) {
	unknown, err := oleutil.GetActiveObject(progID)
	if err != nil {
		unknown, err = oleutil.CreateObject(progID)
		if err != nil {
			return nil, err
		}
	}
	defer unknown.Release()
	return unknown.QueryInterface(ole.IID_IDispatch)
}

func (th *comThread) loop(ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(th.stopped)

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		ready <- fmt.Errorf("automation: CoInitializeEx: %w", err)
		return
	}
	defer ole.CoUninitialize()
	ready <- nil

	for {
		select {
		case fn := <-th.calls:
			fn()
		case <-th.stop:
			for i := len(th.owned) - 1; i >= 0; i-- {
				th.owned[i].Release()
			}
			th.owned = nil
			return
		}
	}
}

// do runs fn on the COM thread. If ctx ends first the call keeps running there and
// the next call queues behind it; a sub-object it returns late is released.
func (th *comThread) do(ctx context.Context, fn func() (any, error)) (any, error) {
	res := newComResult()
	call := func() {
		var (
			v   any
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				v, err = nil, fmt.Errorf("%w: panic in COM call: %v", message.ErrInternal, r)
			}
			if !res.deliver(v, err) {
				if obj, ok := v.(*dispatchObject); ok {
					obj.releaseOnThread()
				}
			}
		}()
		v, err = fn()
	}
	select {
	case th.calls <- call:
	case <-th.stopped:
		return nil, fmt.Errorf("%w: COM thread stopped", message.ErrInternal)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", message.ErrTimeout, ctx.Err())
	}
	return res.wait(ctx)
}

func (th *comThread) close() {
	th.once.Do(func() { close(th.stop) })
	<-th.stopped
}

// dispatchObject is one IDispatch interface used on the COM thread. Pinned
// objects are the attached roots, released when the thread stops; sub-objects
// hold their own reference until Release.
type dispatchObject struct {
	th     *comThread
	disp   *ole.IDispatch
	name   string
	pinned bool
}

// Release drops the reference to a sub-object. Roots are left alone. The release
// is queued behind any call still running on the thread and not waited for.
func (o *dispatchObject) Release() {
	if o.pinned {
		return
	}
	go func() {
		_, _ = o.th.do(context.Background(), func() (any, error) {
			o.releaseOnThread()
			return nil, nil
		})
	}()
}

func (o *dispatchObject) releaseOnThread() {
	if !o.pinned && o.disp != nil {
		o.disp.Release()
		o.disp = nil
	}
}

func (o *dispatchObject) GetProperty(ctx context.Context, name string) (any, error) {
	target := o.name + "." + name
	return o.th.do(ctx, func() (any, error) {
		v, err := oleutil.GetProperty(o.disp, name)
		if err != nil {
			return nil, comError(target, err)
		}
		return fromVariant(o.th, target, v), nil
	})
}

func (o *dispatchObject) SetProperty(ctx context.Context, name string, value json.RawMessage) error {
	target := o.name + "." + name
	v, err := comScalar(value)
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	_, err = o.th.do(ctx, func() (any, error) {
		res, err := oleutil.PutProperty(o.disp, name, v)
		if err != nil {
			return nil, comError(target, err)
		}
		if res != nil {
			_ = res.Clear()
		}
		return nil, nil
	})
	return err
}

func (o *dispatchObject) Invoke(ctx context.Context, name string, args []json.RawMessage) (any, error) {
	target := o.name + "." + name
	params, err := comScalars(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", target, err)
	}
	return o.th.do(ctx, func() (any, error) {
		v, err := oleutil.CallMethod(o.disp, name, params...)
		if err != nil {
			return nil, comError(target, err)
		}
		return fromVariant(o.th, target, v), nil
	})
}

// fromVariant converts a result VARIANT. Dispatch results become sub-objects that
// own the VARIANT's reference; everything else is copied and cleared.
func fromVariant(th *comThread, target string, v *ole.VARIANT) any {
	if v == nil {
		return nil
	}
	switch {
	case v.VT == ole.VT_DISPATCH:
		disp := v.ToIDispatch()
		if disp == nil {
			return nil
		}
		return &dispatchObject{th: th, disp: disp, name: target}
	case v.VT&ole.VT_ARRAY != 0:
		arr := v.ToArray()
		if arr == nil {
			return nil
		}
		values := arr.ToValueArray()
		_ = v.Clear()
		return values
	default:
		value := v.Value()
		_ = v.Clear()
		return value
	}
}

func comError(target string, err error) error {
	var oleErr *ole.OleError
	if errors.As(err, &oleErr) {
		return hresultError(target, uint32(oleErr.Code()), oleErr.Error())
	}
	return &Error{Message: target + ": " + err.Error()}
}
