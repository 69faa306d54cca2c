package automation

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"testing"

	"winspec-relay/message"
)

func TestComScalar(t *testing.T) {
	cases := []struct {
		in   string
		want any
	}{
		{`500`, int32(500)},
		{`-3`, int32(-3)},
		{`5000000000`, int64(5000000000)},
		{`532.25`, 532.25},
		{`true`, true},
		{`"WinX32"`, "WinX32"},
		{`null`, nil},
	}
	for _, tc := range cases {
		got, err := comScalar(json.RawMessage(tc.in))
		if err != nil {
			t.Errorf("comScalar(%s): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("comScalar(%s) = %#v, want %#v", tc.in, got, tc.want)
		}
	}

	if _, err := comScalar(json.RawMessage(`[1,2]`)); !errors.Is(err, message.ErrUnsupportedValue) {
		t.Errorf("expected ErrUnsupportedValue for an array, got %v", err)
	}
	if _, err := comScalars([]json.RawMessage{json.RawMessage(`1`), json.RawMessage(`{`)}); !errors.Is(err, message.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for malformed JSON, got %v", err)
	}
}

func TestHresultError(t *testing.T) {
	cases := []struct {
		code uint32
		want error
	}{
		{hrDispUnknownName, message.ErrNotFound},
		{hrDispTypeMismatch, message.ErrInvalidArgument},
		{hrRPCCallRejected, message.ErrBusy},
		{0x80004005, message.ErrAutomation},
	}
	for _, tc := range cases {
		err := hresultError("ExpSetup.Start", tc.code, "failed")
		if !errors.Is(err, tc.want) {
			t.Errorf("HRESULT 0x%08X: expected %v, got %v", tc.code, tc.want, err)
		}
	}
	if code := hresultError("x", hrDispUnknownName, "").ErrorCode(); code != "0x80020006" {
		t.Errorf("unexpected code %q", code)
	}
}

func TestOpenCOMUnsupported(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("COM is available on Windows")
	}
	_, err := OpenCOM(map[string]string{"ExpSetup": "WinX32.ExpSetup"})
	if !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("expected errors.ErrUnsupported, got %v", err)
	}
}

func TestComResultDelivered(t *testing.T) {
	r := newComResult()
	if !r.deliver(42, nil) {
		t.Fatal("deliver to a waiting caller reported abandoned")
	}
	v, err := r.wait(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("wait = %v, %v; want 42, nil", v, err)
	}
}

func TestComResultAbandoned(t *testing.T) {
	r := newComResult()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.wait(ctx); !errors.Is(err, message.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	// The late value stays with the COM thread, which releases it.
	if r.deliver("sub-object", nil) {
		t.Fatal("deliver after the caller gave up reported taken")
	}
}
