// Package automation owns the handle to the vendor application's control object.
//
// The server resolves every call descriptor against a single Handle. The objects
// behind it are either the Winspec COM automation objects (Windows only) or any Go
// value adapted with Reflect, such as the simulator used away from the spectrometer.
package automation

import (
	"context"
	"encoding/json"
	"fmt"

	"winspec-relay/message"
)

// Object is one node of the automation surface. Property reads may return another
// Object, which is how attribute chains like Detector.Temperature are resolved.
//
// Values arrive JSON-encoded so each implementation can decode them into the types
// its members expect.
type Object interface {
	GetProperty(ctx context.Context, name string) (any, error)
	SetProperty(ctx context.Context, name string, value json.RawMessage) error
	Invoke(ctx context.Context, name string, args []json.RawMessage) (any, error)
}

// Error is an error raised by the automation layer itself.
type Error struct {
	Code    string // Vendor error code, e.g. "SpectrometerBusy" or an HRESULT
	Message string
	Err     error // Category sentinel from package message; ErrAutomation when nil
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func (e *Error) ErrorCode() string {
	return e.Code
}

func (e *Error) Unwrap() error {
	if e.Err == nil {
		return message.ErrAutomation
	}
	return e.Err
}

func notFound(kind, name string) error {
	return fmt.Errorf("%w: no %s %q", message.ErrNotFound, kind, name)
}
