package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"winspec-relay/message"
)

// BinaryCodec encodes *message.Call and *message.Result with length-prefixed,
// big-endian fields. Argument and result values stay JSON-encoded inside.
//
// Call:   kind(u8 len) | path count(u16) { elem(u16 len) } | arg count(u16) { arg(u32 len) }
// Result: ok(u8) | value(u32 len) | hasError(u8) [ category(u16 len) | code(u16 len) | message(u32 len) ]
type BinaryCodec struct{}

var errTruncated = errors.New("BinaryCodec: truncated body")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	var w binWriter
	switch msg := v.(type) {
	case *message.Call:
		w.str8(string(msg.Kind))
		w.count16(len(msg.Path), "path elements")
		for _, p := range msg.Path {
			w.str16(p)
		}
		w.count16(len(msg.Args), "arguments")
		for _, a := range msg.Args {
			w.bytes32(a)
		}
	case *message.Result:
		w.bool(msg.OK)
		w.bytes32(msg.Value)
		w.bool(msg.Error != nil)
		if msg.Error != nil {
			w.str16(string(msg.Error.Category))
			w.str16(msg.Error.Code)
			w.bytes32([]byte(msg.Error.Message))
		}
	default:
		return nil, fmt.Errorf("BinaryCodec: cannot encode %T", v)
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := binReader{buf: data}
	switch msg := v.(type) {
	case *message.Call:
		msg.Kind = message.Kind(r.str8())
		n := int(r.u16())
		msg.Path = nil
		for i := 0; i < n && r.err == nil; i++ {
			msg.Path = append(msg.Path, r.str16())
		}
		n = int(r.u16())
		msg.Args = nil
		for i := 0; i < n && r.err == nil; i++ {
			msg.Args = append(msg.Args, json.RawMessage(r.bytes32()))
		}
	case *message.Result:
		msg.OK = r.bool()
		if value := r.bytes32(); len(value) > 0 {
			msg.Value = json.RawMessage(value)
		}
		msg.Error = nil
		if r.bool() {
			msg.Error = &message.ErrorInfo{
				Category: message.Category(r.str16()),
				Code:     r.str16(),
				Message:  string(r.bytes32()),
			}
		}
	default:
		return fmt.Errorf("BinaryCodec: cannot decode into %T", v)
	}
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("BinaryCodec: %d trailing bytes", len(r.buf)-r.off)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// binWriter keeps the first length overflow in err; lengths are never truncated.
type binWriter struct {
	buf []byte
	err error
}

func (w *binWriter) fits(n int, limit uint64, what string) bool {
	if w.err != nil {
		return false
	}
	if uint64(n) > limit {
		w.err = fmt.Errorf("%w: BinaryCodec: %d %s exceed the limit of %d", message.ErrInvalidArgument, n, what, limit)
		return false
	}
	return true
}

func (w *binWriter) count16(n int, what string) {
	if w.fits(n, math.MaxUint16, what) {
		w.u16(uint16(n))
	}
}

func (w *binWriter) bool(b bool) {
	if b {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *binWriter) u16(n uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, n)
}

func (w *binWriter) str8(s string) {
	if !w.fits(len(s), math.MaxUint8, "bytes of text") {
		return
	}
	w.buf = append(w.buf, byte(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) str16(s string) {
	if !w.fits(len(s), math.MaxUint16, "bytes of text") {
		return
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *binWriter) bytes32(b []byte) {
	if !w.fits(len(b), math.MaxUint32, "bytes of data") {
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binReader stops at the first short read and keeps the error.
type binReader struct {
	buf []byte
	off int
	err error
}

func (r *binReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binReader) bool() bool {
	b := r.take(1)
	return b != nil && b[0] != 0
}

func (r *binReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *binReader) str8() string {
	b := r.take(1)
	if b == nil {
		return ""
	}
	return string(r.take(int(b[0])))
}

func (r *binReader) str16() string {
	return string(r.take(int(r.u16())))
}

func (r *binReader) bytes32() []byte {
	b := r.take(4)
	if b == nil {
		return nil
	}
	out := r.take(int(binary.BigEndian.Uint32(b)))
	if out == nil {
		return nil
	}
	return append([]byte(nil), out...)
}
