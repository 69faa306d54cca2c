// Package message defines the call descriptor and result envelope exchanged between
// the relay client and server.
//
// A Call is the "envelope" for every remote property access or method invocation. It
// gets serialized by the codec layer and wrapped in a protocol frame for transmission
// over the websocket. The server answers each Call with exactly one Result.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the operation a Call performs on the member named by the last path element.
type Kind string

const (
	KindGet  Kind = "get"  // Read a property
	KindSet  Kind = "set"  // Write a property, Args holds exactly one value
	KindCall Kind = "call" // Invoke a method with Args
)

// Call identifies a member of the remote automation object and what to do with it.
//
//   - Path is the attribute access chain, e.g. ["Detector", "Temperature"].
//     Every element but the last must resolve to a sub-object.
//   - Args are JSON-encoded argument values, so the server can decode them straight
//     into whatever type the target member expects.
type Call struct {
	Kind Kind              `json:"kind"`
	Path []string          `json:"path"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// Target returns the dotted form of the call path.
func (c *Call) Target() string {
	return strings.Join(c.Path, ".")
}

// Validate checks the shape of the descriptor before it is dispatched.
func (c *Call) Validate() error {
	if len(c.Path) == 0 {
		return fmt.Errorf("%w: empty attribute path", ErrInvalidArgument)
	}
	for _, p := range c.Path {
		if p == "" {
			return fmt.Errorf("%w: empty element in path %q", ErrInvalidArgument, c.Target())
		}
	}
	switch c.Kind {
	case KindGet:
		if len(c.Args) != 0 {
			return fmt.Errorf("%w: get %s takes no arguments", ErrInvalidArgument, c.Target())
		}
	case KindSet:
		if len(c.Args) != 1 {
			return fmt.Errorf("%w: set %s takes exactly one value, got %d", ErrInvalidArgument, c.Target(), len(c.Args))
		}
	case KindCall:
	default:
		return fmt.Errorf("%w: unknown call kind %q", ErrInvalidArgument, c.Kind)
	}
	return nil
}

// ErrorInfo is the serialized description of a failed call.
type ErrorInfo struct {
	Category Category `json:"category"`

	// Code is the vendor error code, if the automation layer supplied one.
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Result is the outcome of one Call: either OK with a Value, or a failure with Error set.
type Result struct {
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *ErrorInfo      `json:"error,omitempty"`
}

// Success wraps an already-encoded value.
func Success(value json.RawMessage) *Result {
	return &Result{OK: true, Value: value}
}

// Failure builds a failed Result from any error. The category is chosen with errors.Is
// against the sentinel errors, defaulting to CategoryAutomation.
func Failure(err error) *Result {
	info := &ErrorInfo{
		Category: CategoryOf(err),
		Message:  err.Error(),
	}
	if code, ok := codeOf(err); ok {
		info.Code = code
	}
	return &Result{Error: info}
}

// Err converts a failed Result into a *RemoteError for the given call. It returns nil
// for successful results.
func (r *Result) Err(call *Call) error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return &RemoteError{Category: CategoryInternal, Message: "failure without error description", Path: call.Target()}
	}
	return &RemoteError{
		Category: r.Error.Category,
		Code:     r.Error.Code,
		Message:  r.Error.Message,
		Path:     call.Target(),
	}
}
