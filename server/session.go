package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"winspec-relay/codec"
	"winspec-relay/message"
	"winspec-relay/middleware"
	"winspec-relay/protocol"
)

// request is one decoded call waiting for the session worker.
type request struct {
	header *protocol.Header
	codec  codec.Codec
	call   *message.Call
}

// session is one websocket connection.
type session struct {
	info   middleware.Session
	conn   *websocket.Conn
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// terminate sends a close frame and cancels whatever the session is doing.
// Safe to call from any goroutine.
func (s *session) terminate(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	// WriteControl may run concurrently with the worker's NextWriter.
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.cancel()
	s.conn.Close()
}

// serveSession runs the session until the client leaves, a protocol error occurs or
// the server shuts down. It returns after the in-flight call, if any, has finished.
func (svr *Server) serveSession(conn *websocket.Conn, remote string) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		info:   middleware.Session{ID: uuid.NewString(), Remote: remote},
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
	s.logger = svr.logger.With(zap.String("session", s.info.ID), zap.String("remote", remote))

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		s.terminate(websocket.CloseGoingAway, "server shutting down")
		return
	}
	svr.sessions[s] = struct{}{}
	svr.wg.Add(1)
	svr.mu.Unlock()

	defer func() {
		svr.mu.Lock()
		delete(svr.sessions, s)
		svr.mu.Unlock()
		svr.wg.Done()
	}()

	s.logger.Info("session opened")
	start := time.Now()

	conn.SetReadLimit(svr.readLimit)
	if svr.pingInterval > 0 {
		pongWait := 3 * svr.pingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go s.pingLoop(svr.pingInterval)
	}

	requests := make(chan request, svr.queueSize)
	readerDone := make(chan error, 1)
	go func() {
		readerDone <- svr.readLoop(s, requests)
	}()

	calls := 0
	for req := range requests {
		calls++
		if err := svr.handleRequest(s, req); err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("write response failed", zap.Error(err))
			}
			break
		}
	}
	s.cancel()
	conn.Close()
	cause := <-readerDone

	s.logger.Info("session closed",
		zap.Int("calls", calls),
		zap.Duration("duration", time.Since(start)),
		zap.NamedError("cause", cause))
}

// readLoop is the only reader of the connection. It keeps reading while the worker
// executes a call, so pings are answered and a departing client is noticed; the
// session context is cancelled as soon as the connection fails.
func (svr *Server) readLoop(s *session, requests chan<- request) error {
	defer close(requests)
	defer s.cancel()

	for {
		msgType, r, err := s.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msgType != websocket.BinaryMessage {
			return s.protocolFailure(websocket.CloseUnsupportedData, fmt.Errorf("%w: expected a binary message, got type %d", protocol.ErrProtocol, msgType))
		}

		header, body, err := protocol.ReadMessage(r)
		if err != nil {
			return s.protocolFailure(websocket.CloseProtocolError, err)
		}
		if header.MsgType != protocol.MsgTypeRequest {
			return s.protocolFailure(websocket.CloseProtocolError, fmt.Errorf("%w: client sent message type %d", protocol.ErrProtocol, header.MsgType))
		}
		cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
		if err != nil {
			return s.protocolFailure(websocket.CloseUnsupportedData, err)
		}
		call := &message.Call{}
		if err := cdc.Decode(body, call); err != nil {
			return s.protocolFailure(websocket.CloseUnsupportedData, fmt.Errorf("decode call: %w", err))
		}

		select {
		case requests <- request{header: header, codec: cdc, call: call}:
		case <-s.ctx.Done():
			return nil
		}
	}
}

// protocolFailure ends the session with a close frame naming the decode error.
func (s *session) protocolFailure(code int, err error) error {
	s.logger.Warn("protocol failure, closing session", zap.Int("close_code", code), zap.Error(err))
	s.terminate(code, protocol.CloseReason(err))
	return err
}

// handleRequest runs one call through the middleware chain and writes the response
// with the request's sequence number.
func (svr *Server) handleRequest(s *session, req request) error {
	ctx := middleware.WithSession(s.ctx, s.info)
	result := svr.handler(ctx, req.call)

	body, err := req.codec.Encode(result)
	if err != nil {
		s.logger.Error("encode result failed", zap.String("path", req.call.Target()), zap.Error(err))
		body, err = req.codec.Encode(message.Failure(fmt.Errorf("%w: encode result: %w", message.ErrInternal, err)))
		if err != nil {
			return err
		}
	}

	// Same Seq as the request, so the client can match it.
	replyHeader := protocol.Header{
		CodecType: req.header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       req.header.Seq,
	}
	var buf bytes.Buffer
	if err := protocol.Encode(&buf, &replyHeader, body); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
	return nil
}

func (s *session) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				return
			}
		}
	}
}
