// Package protocol implements the frame carried inside every websocket binary message.
//
// Websocket already delimits messages, so the header is not needed to find frame
// boundaries. It identifies the codec of the body and carries the sequence number
// that lets the client match a response to its pending call. The body length is
// checked against the message length to reject truncated or padded frames.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ wsr  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Magic number bytes: "wsr" (winspec relay).
// Rejects clients that speak some other protocol over the same websocket endpoint.
const (
	MagicNumber byte = 0x77 // 'w'
	MagicByte2  byte = 0x73 // 's'
	MagicByte3  byte = 0x72 // 'r'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)
)

// ErrProtocol marks malformed frames. A session that receives one is terminated.
var ErrProtocol = errors.New("protocol error")

// MsgType distinguishes request and response frames.
type MsgType byte

const (
	MsgTypeRequest  MsgType = 0 // Client → Server call descriptor
	MsgTypeResponse MsgType = 1 // Server → Client result envelope
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Request or Response
	Seq       uint32  // Sequence ID, echoed by the server so the client can match replies
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same connection.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > math.MaxUint32 {
		return fmt.Errorf("body of %d bytes does not fit a frame", len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))

	// One Write per frame: a websocket message writer may flush on each call.
	_, err := w.Write(append(buf, body...))
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, and message type.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, fmt.Errorf("%w: read header: %w", ErrProtocol, err)
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: invalid magic number: %x", ErrProtocol, headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version: %d", ErrProtocol, headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("%w: unsupported codec type: %d", ErrProtocol, headerBuf[4])
	}

	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) {
		return nil, nil, fmt.Errorf("%w: unsupported message type: %d", ErrProtocol, msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])

	// The declared length is untrusted: grow the buffer with the bytes actually read
	// so the transport's read limit bounds the allocation.
	body, err := io.ReadAll(io.LimitReader(r, int64(bodyLen)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read body of %d bytes: %w", ErrProtocol, bodyLen, err)
	}
	if uint32(len(body)) != bodyLen {
		return nil, nil, fmt.Errorf("%w: read body of %d bytes: got %d: %w", ErrProtocol, bodyLen, len(body), io.ErrUnexpectedEOF)
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}

// ReadMessage decodes the single frame held by one websocket message and
// rejects any bytes after it.
func ReadMessage(r io.Reader) (*Header, []byte, error) {
	h, body, err := Decode(r)
	if err != nil {
		return nil, nil, err
	}
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return nil, nil, fmt.Errorf("%w: trailing data after %d byte body", ErrProtocol, h.BodyLen)
	}
	return h, body, nil
}

// maxCloseReason is the room left for the reason text in a websocket close frame.
const maxCloseReason = 123

// CloseReason formats err for a websocket close frame, cut to the size a control
// frame allows.
func CloseReason(err error) string {
	s := err.Error()
	if len(s) > maxCloseReason {
		s = s[:maxCloseReason]
	}
	return s
}
