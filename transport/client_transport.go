// Package transport implements the client side of the relay connection.
//
// ClientTransport lets several goroutines issue calls over one websocket. Each request
// gets a unique sequence ID, and a background goroutine (recvLoop) reads responses and
// routes them to the waiting caller. The server executes calls one at a time in the
// order they arrive, so replies come back in issue order.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single websocket ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← reply → goroutine-2 wakes up
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"winspec-relay/codec"
	"winspec-relay/message"
	"winspec-relay/protocol"
)

// ErrConnectionClosed is returned for every call that cannot complete because the
// connection is gone.
var ErrConnectionClosed = errors.New("connection closed")

// Reply is delivered exactly once on the channel returned by Send.
type Reply struct {
	Result *message.Result
	Err    error
}

// ClientTransport manages a single websocket connection to a relay server.
type ClientTransport struct {
	conn   *websocket.Conn
	codec  codec.Codec
	logger *zap.Logger

	sending sync.Mutex // websocket allows one concurrent writer
	seq     uint32     // protected by sending

	mu      sync.Mutex
	pending map[uint32]chan Reply
	err     error // set once the connection failed; Send fails fast afterwards

	done      chan struct{}
	closeOnce sync.Once
}

// NewClientTransport takes over conn and starts two background goroutines:
//   - recvLoop: reads responses and dispatches them to pending callers
//   - pingLoop: sends websocket pings every pingInterval and expects pongs; a silent
//     peer fails all pending calls. A zero interval disables it.
func NewClientTransport(conn *websocket.Conn, codecType codec.CodecType, pingInterval time.Duration, logger *zap.Logger) (*ClientTransport, error) {
	cdc, err := codec.GetCodec(codecType)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &ClientTransport{
		conn:    conn,
		codec:   cdc,
		logger:  logger,
		pending: make(map[uint32]chan Reply),
		done:    make(chan struct{}),
	}

	if pingInterval > 0 {
		pongWait := 3 * pingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go t.pingLoop(pingInterval)
	}
	go t.recvLoop()
	return t, nil
}

// Send encodes call and writes it to the connection.
// Returns the sequence number and a channel that will receive the reply.
func (t *ClientTransport) Send(call *message.Call) (uint32, <-chan Reply, error) {
	body, err := t.codec.Encode(call)
	if err != nil {
		return 0, nil, fmt.Errorf("encode %s: %w", call.Target(), err)
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	// Register the reply channel BEFORE sending (avoid race with recvLoop)
	replyChan := make(chan Reply, 1) // Buffered so recvLoop never blocks
	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return 0, nil, err
	}
	t.pending[seq] = replyChan
	t.mu.Unlock()

	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := t.writeFrame(&header, body); err != nil {
		t.Forget(seq)
		err = connectionError(err)
		t.fail(err)
		return 0, nil, err
	}
	return seq, replyChan, nil
}

func (t *ClientTransport) writeFrame(h *protocol.Header, body []byte) error {
	w, err := t.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if err := protocol.Encode(w, h, body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Forget drops the pending entry for seq. A reply that arrives later is discarded.
func (t *ClientTransport) Forget(seq uint32) {
	t.mu.Lock()
	delete(t.pending, seq)
	t.mu.Unlock()
}

// recvLoop runs in a dedicated goroutine and is the only reader of the connection.
func (t *ClientTransport) recvLoop() {
	for {
		msgType, r, err := t.conn.NextReader()
		if err != nil {
			t.fail(connectionError(err))
			return
		}
		if msgType != websocket.BinaryMessage {
			t.abort(websocket.CloseUnsupportedData, fmt.Errorf("%w: unexpected websocket message type %d", protocol.ErrProtocol, msgType))
			return
		}

		header, body, err := protocol.ReadMessage(r)
		if err != nil {
			t.abort(websocket.CloseProtocolError, err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			t.abort(websocket.CloseProtocolError, fmt.Errorf("%w: server sent message type %d", protocol.ErrProtocol, header.MsgType))
			return
		}

		cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
		if err != nil {
			t.abort(websocket.CloseUnsupportedData, fmt.Errorf("%w: %w", protocol.ErrProtocol, err))
			return
		}
		result := &message.Result{}
		if err := cdc.Decode(body, result); err != nil {
			t.abort(websocket.CloseUnsupportedData, fmt.Errorf("%w: decode result: %w", protocol.ErrProtocol, err))
			return
		}

		t.mu.Lock()
		ch, ok := t.pending[header.Seq]
		delete(t.pending, header.Seq)
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("dropping reply for abandoned call", zap.Uint32("seq", header.Seq))
			continue
		}
		ch <- Reply{Result: result}
	}
}

// abort tells the server why the session ends, then fails the transport.
func (t *ClientTransport) abort(code int, err error) {
	t.logger.Warn("malformed reply from server", zap.Error(err))
	msg := websocket.FormatCloseMessage(code, protocol.CloseReason(err))
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.fail(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
}

// fail records err, delivers it to every pending caller so they don't block forever,
// and closes the connection. Only the first call has any effect.
func (t *ClientTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		pending := t.pending
		t.pending = make(map[uint32]chan Reply)
		t.mu.Unlock()

		for _, ch := range pending {
			ch <- Reply{Err: err}
		}
		close(t.done)
		t.conn.Close()
	})
}

func (t *ClientTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with NextWriter.
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				t.fail(connectionError(err))
				return
			}
		}
	}
}

// Close sends a normal closure to the server and fails all pending calls.
func (t *ClientTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.fail(fmt.Errorf("%w: closed by client", ErrConnectionClosed))
	return nil
}

// Done is closed once the connection is gone.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the connection is gone, or nil while it is up.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// connectionError wraps a read or write failure in ErrConnectionClosed. A close
// frame reporting a protocol failure also matches protocol.ErrProtocol.
func connectionError(err error) error {
	if errors.Is(err, ErrConnectionClosed) {
		return err
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseProtocolError, websocket.CloseUnsupportedData:
			return fmt.Errorf("%w: %w: server closed the session: %s", ErrConnectionClosed, protocol.ErrProtocol, ce.Text)
		}
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
}
