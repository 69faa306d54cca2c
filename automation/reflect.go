package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"winspec-relay/message"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool           // First parameter after the receiver is a context.Context
	ArgTypes  []reflect.Type // Remaining parameters, decoded from the call arguments
	hasResult bool
	hasError  bool
}

type reflectObject struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// Reflect exposes the exported methods of a struct pointer as an Object:
//
//   - get X   → X() or X(ctx)
//   - set X   → SetX(v) or SetX(ctx, v)
//   - call X  → X(args...) or X(ctx, args...)
//
// Methods may return nothing, an error, a value, or a value and an error.
// A value that is itself an Object becomes a sub-object on the attribute path.
// Values that already implement Object are returned unchanged.
func Reflect(rcvr any) (Object, error) {
	if obj, ok := rcvr.(Object); ok {
		return obj, nil
	}
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("automation: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("automation: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	obj := &reflectObject{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	obj.registerMethods()
	if len(obj.method) == 0 {
		return nil, fmt.Errorf("automation: %s has no usable exported methods", obj.name)
	}
	return obj, nil
}

// MustReflect is like Reflect but panics on error. Meant for sub-objects built from
// types known to be valid.
func MustReflect(rcvr any) Object {
	obj, err := Reflect(rcvr)
	if err != nil {
		panic(err)
	}
	return obj
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// registerMethods keeps the exported methods whose signatures can be driven remotely.
func (o *reflectObject) registerMethods() {
	for i := 0; i < o.typ.NumMethod(); i++ {
		method := o.typ.Method(i)
		mt := method.Type
		if mt.IsVariadic() {
			continue
		}

		m := &methodType{method: method}
		in := 1 // skip receiver
		if mt.NumIn() > in && mt.In(in) == contextType {
			m.withCtx = true
			in++
		}
		for ; in < mt.NumIn(); in++ {
			m.ArgTypes = append(m.ArgTypes, mt.In(in))
		}

		switch mt.NumOut() {
		case 0:
		case 1:
			if mt.Out(0) == errorType {
				m.hasError = true
			} else {
				m.hasResult = true
			}
		case 2:
			if mt.Out(1) != errorType {
				continue
			}
			m.hasResult, m.hasError = true, true
		default:
			continue
		}
		o.method[method.Name] = m
	}
}

func (o *reflectObject) GetProperty(ctx context.Context, name string) (any, error) {
	m, ok := o.method[name]
	if !ok || len(m.ArgTypes) != 0 || !m.hasResult {
		return nil, notFound("property", o.name+"."+name)
	}
	return o.call(ctx, m, nil)
}

func (o *reflectObject) SetProperty(ctx context.Context, name string, value json.RawMessage) error {
	m, ok := o.method["Set"+name]
	if !ok || len(m.ArgTypes) != 1 {
		return notFound("settable property", o.name+"."+name)
	}
	_, err := o.call(ctx, m, []json.RawMessage{value})
	return err
}

func (o *reflectObject) Invoke(ctx context.Context, name string, args []json.RawMessage) (any, error) {
	m, ok := o.method[name]
	if !ok {
		return nil, notFound("method", o.name+"."+name)
	}
	if len(args) != len(m.ArgTypes) {
		return nil, fmt.Errorf("%w: %s.%s takes %d arguments, got %d", message.ErrInvalidArgument, o.name, name, len(m.ArgTypes), len(args))
	}
	return o.call(ctx, m, args)
}

// call decodes the arguments into the parameter types and invokes the method.
func (o *reflectObject) call(ctx context.Context, m *methodType, args []json.RawMessage) (any, error) {
	in := make([]reflect.Value, 0, 2+len(args))
	in = append(in, o.rcvr)
	if m.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, raw := range args {
		argv := reflect.New(m.ArgTypes[i])
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, argv.Interface()); err != nil {
				return nil, fmt.Errorf("%w: %s argument %d: %w", message.ErrInvalidArgument, m.method.Name, i, err)
			}
		}
		in = append(in, argv.Elem())
	}

	results := m.method.Func.Call(in)

	if m.hasError {
		if errv := results[len(results)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
	}
	if m.hasResult {
		return results[0].Interface(), nil
	}
	return nil, nil
}
