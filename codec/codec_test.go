package codec

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"winspec-relay/message"
)

func sampleCall() *message.Call {
	return &message.Call{
		Kind: message.KindCall,
		Path: []string{"Detector", "SetTargetTemperature"},
		Args: []json.RawMessage{json.RawMessage(`-90`), json.RawMessage(`{"ramp":true}`)},
	}
}

func TestCodecsRoundTripCall(t *testing.T) {
	for _, cdc := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		original := sampleCall()

		data, err := cdc.Encode(original)
		if err != nil {
			t.Fatalf("%s Encode failed: %v", cdc.Type(), err)
		}

		var decoded message.Call
		if err := cdc.Decode(data, &decoded); err != nil {
			t.Fatalf("%s Decode failed: %v", cdc.Type(), err)
		}

		if decoded.Kind != original.Kind {
			t.Errorf("%s Kind mismatch: got %s, want %s", cdc.Type(), decoded.Kind, original.Kind)
		}
		if !reflect.DeepEqual(decoded.Path, original.Path) {
			t.Errorf("%s Path mismatch: got %v, want %v", cdc.Type(), decoded.Path, original.Path)
		}
		if len(decoded.Args) != len(original.Args) {
			t.Fatalf("%s Args length mismatch: got %d, want %d", cdc.Type(), len(decoded.Args), len(original.Args))
		}
		for i := range original.Args {
			if string(decoded.Args[i]) != string(original.Args[i]) {
				t.Errorf("%s Args[%d] mismatch: got %s, want %s", cdc.Type(), i, decoded.Args[i], original.Args[i])
			}
		}
	}
}

func TestCodecsRoundTripFailure(t *testing.T) {
	for _, cdc := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		original := &message.Result{Error: &message.ErrorInfo{
			Category: message.CategoryBusy,
			Code:     "SpectrometerBusy",
			Message:  "Unable to update wavelength due to concurrent operation",
		}}

		data, err := cdc.Encode(original)
		if err != nil {
			t.Fatalf("%s Encode failed: %v", cdc.Type(), err)
		}
		var decoded message.Result
		if err := cdc.Decode(data, &decoded); err != nil {
			t.Fatalf("%s Decode failed: %v", cdc.Type(), err)
		}
		if decoded.OK {
			t.Errorf("%s decoded failure as OK", cdc.Type())
		}
		if !reflect.DeepEqual(decoded.Error, original.Error) {
			t.Errorf("%s Error mismatch: got %+v, want %+v", cdc.Type(), decoded.Error, original.Error)
		}
	}
}

func TestBinaryCodecSuccessValue(t *testing.T) {
	cdc := &BinaryCodec{}
	data, err := cdc.Encode(message.Success(json.RawMessage(`[1.5,2.5]`)))
	if err != nil {
		t.Fatal(err)
	}
	var decoded message.Result
	if err := cdc.Decode(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if !decoded.OK || string(decoded.Value) != `[1.5,2.5]` || decoded.Error != nil {
		t.Fatalf("unexpected result %+v", decoded)
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	cdc := &BinaryCodec{}
	data, err := cdc.Encode(sampleCall())
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, 1, 5, len(data) - 1} {
		var decoded message.Call
		if err := cdc.Decode(data[:n], &decoded); err == nil {
			t.Errorf("expected an error decoding %d of %d bytes", n, len(data))
		}
	}

	var decoded message.Call
	if err := cdc.Decode(append(data, 0xFF), &decoded); err == nil {
		t.Error("expected an error for trailing bytes")
	}
}

func TestBinaryCodecLengthLimits(t *testing.T) {
	cdc := &BinaryCodec{}

	longest := strings.Repeat("x", 1<<16-1)
	data, err := cdc.Encode(&message.Call{Kind: message.KindGet, Path: []string{longest}})
	if err != nil {
		t.Fatalf("a %d byte path element should fit: %v", len(longest), err)
	}
	var decoded message.Call
	if err := cdc.Decode(data, &decoded); err != nil || decoded.Path[0] != longest {
		t.Fatalf("round trip of the longest path element failed: %v", err)
	}

	overlong := &message.Call{Kind: message.KindGet, Path: []string{strings.Repeat("x", 70000)}}
	if _, err := cdc.Encode(overlong); !errors.Is(err, message.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for a 70000 byte path element, got %v", err)
	}

	tooMany := &message.Call{Kind: message.KindCall, Path: []string{"Sum"}, Args: make([]json.RawMessage, 1<<16)}
	if _, err := cdc.Encode(tooMany); !errors.Is(err, message.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for %d arguments, got %v", len(tooMany.Args), err)
	}
}

func TestBinaryCodecRejectsOtherTypes(t *testing.T) {
	if _, err := (&BinaryCodec{}).Encode("hello"); err == nil {
		t.Fatal("expected an error encoding a string")
	}
}

func TestGetCodec(t *testing.T) {
	if c, err := GetCodec(CodecTypeBinary); err != nil || c.Type() != CodecTypeBinary {
		t.Fatalf("GetCodec(binary) = %v, %v", c, err)
	}
	if _, err := GetCodec(CodecType(7)); err == nil {
		t.Fatal("expected an error for unknown codec")
	}
	if ct, err := ParseCodecType("binary"); err != nil || ct != CodecTypeBinary {
		t.Fatalf("ParseCodecType(binary) = %v, %v", ct, err)
	}
}
