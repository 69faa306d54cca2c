// Package server implements the relay server: it accepts websocket sessions and
// executes the calls they carry against the single automation handle.
//
// Request processing pipeline:
//
//	Upgrade → serveSession
//	  readLoop (one goroutine per session): websocket message → protocol.ReadMessage → Codec.Decode
//	  worker (session goroutine): for each call, in arrival order:
//	    → Middleware Chain → businessHandler (Handle.Get/Set/Call) → Codec.Encode → write response
//
// Calls from one session run strictly one after another; calls from different sessions
// are serialised by the automation handle.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"winspec-relay/automation"
	"winspec-relay/message"
	"winspec-relay/middleware"
	"winspec-relay/registry"
)

// Server relays websocket calls to an automation handle.
type Server struct {
	handle       *automation.Handle
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	path         string
	readLimit    int64
	pingInterval time.Duration
	queueSize    int

	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))

	httpServer *http.Server
	shutdown   atomic.Bool // Set during shutdown so Serve returns nil

	mu       sync.Mutex
	sessions map[*session]struct{}
	wg       sync.WaitGroup // Tracks live sessions for graceful shutdown

	// Announced instance, deregistered first on Shutdown.
	registry registry.Registry
	service  string
	instance registry.ServiceInstance
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithPath restricts the websocket endpoint to one URL path. "" or "/" accepts any path.
func WithPath(path string) Option {
	return func(s *Server) { s.path = path }
}

// WithReadLimit caps the size of one incoming message. Larger messages end the session.
func WithReadLimit(n int64) Option {
	return func(s *Server) { s.readLimit = n }
}

// WithPingInterval makes the server ping each client and drop it after three missed pongs.
// Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// NewServer creates a server that executes calls against handle.
func NewServer(handle *automation.Handle, opts ...Option) *Server {
	svr := &Server{
		handle:    handle,
		logger:    zap.NewNop(),
		readLimit: 1 << 20,
		queueSize: 64,
		sessions:  make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			// Clients are scripts and lab programs, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(svr)
	}
	svr.buildChain()
	return svr
}

// Use registers a middleware. Middlewares are applied in the order they are added and
// must all be registered before the server starts accepting sessions.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
	svr.buildChain()
}

// buildChain wraps the middlewares around businessHandler in the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//
// A recover stage sits on both ends: middlewares may run the rest of the chain on
// another goroutine, where an outer recover would not see the panic.
func (svr *Server) buildChain() {
	recoverer := middleware.RecoverMiddleware(svr.logger)
	mws := make([]middleware.Middleware, 0, len(svr.middlewares)+2)
	mws = append(mws, recoverer)
	mws = append(mws, svr.middlewares...)
	mws = append(mws, recoverer)
	svr.handler = middleware.Chain(mws...)(svr.businessHandler)
}

// ServeHTTP upgrades the request to a websocket and serves the session until it ends.
func (svr *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if svr.path != "" && svr.path != "/" && r.URL.Path != svr.path {
		http.NotFound(w, r)
		return
	}
	if svr.shutdown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := svr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		svr.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	svr.serveSession(conn, r.RemoteAddr)
}

// Serve accepts websocket sessions on ln until Shutdown is called.
func (svr *Server) Serve(ln net.Listener) error {
	svr.mu.Lock()
	svr.httpServer = &http.Server{
		Handler:           svr,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(svr.logger),
	}
	hs := svr.httpServer
	svr.mu.Unlock()

	svr.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	err := hs.Serve(ln)
	if svr.shutdown.Load() && errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (svr *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return svr.Serve(ln)
}

// Announce registers the server in reg under service. The entry is removed again by
// Shutdown. Only one announcement is kept; a second call replaces the first.
func (svr *Server) Announce(ctx context.Context, reg registry.Registry, service string, inst registry.ServiceInstance, ttl int64) error {
	if err := reg.Register(ctx, service, inst, ttl); err != nil {
		return fmt.Errorf("announce %s at %s: %w", service, inst.Addr, err)
	}
	svr.mu.Lock()
	svr.registry, svr.service, svr.instance = reg, service, inst
	svr.mu.Unlock()
	svr.logger.Info("announced", zap.String("service", service), zap.String("addr", inst.Addr), zap.String("name", inst.Name))
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop picking this server)
//  2. Set the shutdown flag and stop accepting new sessions
//  3. Close every session with 1001 going away, cancelling in-flight calls
//  4. Wait for sessions to finish, or until ctx ends
func (svr *Server) Shutdown(ctx context.Context) error {
	var errs []error

	svr.mu.Lock()
	reg, service, inst := svr.registry, svr.service, svr.instance
	svr.registry = nil
	hs := svr.httpServer
	svr.mu.Unlock()

	if reg != nil {
		if err := reg.Deregister(ctx, service, inst.Addr); err != nil {
			errs = append(errs, fmt.Errorf("deregister: %w", err))
		}
	}

	// Set the flag BEFORE closing the listener so Serve recognises the error.
	svr.shutdown.Store(true)
	if hs != nil {
		// Hijacked websocket connections are not tracked by http.Server.
		if err := hs.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	svr.mu.Lock()
	for s := range svr.sessions {
		s.terminate(websocket.CloseGoingAway, "server shutting down")
	}
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for sessions to finish: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// businessHandler executes one call against the automation handle.
// It is wrapped by the middleware chain and has the HandlerFunc signature.
func (svr *Server) businessHandler(ctx context.Context, call *message.Call) *message.Result {
	if err := call.Validate(); err != nil {
		return message.Failure(err)
	}

	switch call.Kind {
	case message.KindGet:
		v, err := svr.handle.Get(ctx, call.Path)
		return encodeValue(call, v, err)
	case message.KindSet:
		err := svr.handle.Set(ctx, call.Path, call.Args[0])
		return encodeValue(call, nil, err)
	default:
		v, err := svr.handle.Call(ctx, call.Path, call.Args)
		return encodeValue(call, v, err)
	}
}

// encodeValue turns the outcome of a handle operation into a Result. Values must be
// plain data; automation objects stay on the server and are reached through paths.
func encodeValue(call *message.Call, v any, err error) *message.Result {
	if err != nil {
		return message.Failure(err)
	}
	if v == nil {
		return message.Success(nil)
	}
	if _, ok := v.(automation.Object); ok {
		return message.Failure(fmt.Errorf("%w: %s is an object; address its members by path", message.ErrUnsupportedValue, call.Target()))
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return message.Failure(fmt.Errorf("%w: %s returned %T: %w", message.ErrUnsupportedValue, call.Target(), v, err))
	}
	return message.Success(raw)
}
