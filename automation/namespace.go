package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"winspec-relay/message"
)

// Namespace is a read-only Object whose properties are named sub-objects.
// The COM backend uses it as the root, one member per attached ProgID.
type Namespace map[string]Object

func (n Namespace) GetProperty(_ context.Context, name string) (any, error) {
	obj, ok := n[name]
	if !ok {
		return nil, notFound("object", name)
	}
	return obj, nil
}

func (n Namespace) SetProperty(_ context.Context, name string, _ json.RawMessage) error {
	if _, ok := n[name]; !ok {
		return notFound("object", name)
	}
	return fmt.Errorf("%w: %q is an automation object and cannot be assigned", message.ErrInvalidArgument, name)
}

func (n Namespace) Invoke(_ context.Context, name string, _ []json.RawMessage) (any, error) {
	if _, ok := n[name]; !ok {
		return nil, notFound("object", name)
	}
	return nil, fmt.Errorf("%w: %q is an automation object, not a method", message.ErrInvalidArgument, name)
}

// Names lists the members in sorted order.
func (n Namespace) Names() []string {
	names := make([]string, 0, len(n))
	for name := range n {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every member that implements io.Closer.
func (n Namespace) Close() error {
	var errs []error
	for _, name := range n.Names() {
		if c, ok := n[name].(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
