package message

import (
	"context"
	"errors"
	"fmt"
)

// Category classifies a failed call. It is carried on the wire as a string.
type Category string

const (
	CategoryAutomation       Category = "automation"
	CategoryBusy             Category = "busy"
	CategoryNotFound         Category = "not_found"
	CategoryInvalidArgument  Category = "invalid_argument"
	CategoryUnsupportedValue Category = "unsupported_value"
	CategoryTimeout          Category = "timeout"
	CategoryRateLimited      Category = "rate_limited"
	CategoryInternal         Category = "internal"
)

var (
	ErrAutomation       = errors.New("automation error")
	ErrBusy             = errors.New("automation object busy")
	ErrNotFound         = errors.New("member not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUnsupportedValue = errors.New("unsupported value")
	ErrTimeout          = errors.New("call timed out")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrInternal         = errors.New("internal server error")
)

var sentinels = []struct {
	category Category
	err      error
}{
	{CategoryBusy, ErrBusy},
	{CategoryNotFound, ErrNotFound},
	{CategoryInvalidArgument, ErrInvalidArgument},
	{CategoryUnsupportedValue, ErrUnsupportedValue},
	{CategoryTimeout, ErrTimeout},
	{CategoryRateLimited, ErrRateLimited},
	{CategoryInternal, ErrInternal},
	{CategoryAutomation, ErrAutomation},
}

// CategoryOf reports the category of err. Errors that match none of the sentinels
// are attributed to the automation layer.
func CategoryOf(err error) Category {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.category
		}
	}
	return CategoryAutomation
}

// Sentinel returns the sentinel error for a category.
func (c Category) Sentinel() error {
	for _, s := range sentinels {
		if s.category == c {
			return s.err
		}
	}
	return ErrAutomation
}

type coder interface {
	ErrorCode() string
}

func codeOf(err error) (string, bool) {
	var c coder
	if errors.As(err, &c) && c.ErrorCode() != "" {
		return c.ErrorCode(), true
	}
	return "", false
}

// RemoteError is a failure reported by the server, re-raised on the client.
// It unwraps to the sentinel of its category, so errors.Is(err, ErrBusy) works the
// same on both sides of the connection.
type RemoteError struct {
	Category Category
	Code     string
	Message  string
	Path     string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %s %s [%s]: %s", e.Path, e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %s %s: %s", e.Path, e.Category, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Category.Sentinel()
}

// ErrorCode returns the vendor error code, if any.
func (e *RemoteError) ErrorCode() string {
	return e.Code
}
