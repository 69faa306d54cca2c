// Package client is the remote side of the relay: a proxy whose property accesses
// and method calls run on the spectrometer PC.
//
//	c, _ := client.Dial(ctx, "ws://lab-pc:1234/")
//	var nm float64
//	c.Get(ctx, "Wavelength", &nm)
//	c.Object("Detector").Set(ctx, "TargetTemperature", -90)
//
// Every call blocks until its result arrives, the context ends, or the call timeout
// passes. Failures reported by the server come back as *message.RemoteError with the
// server's category; a lost connection yields an error wrapping
// transport.ErrConnectionClosed.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"winspec-relay/codec"
	"winspec-relay/loadbalance"
	"winspec-relay/message"
	"winspec-relay/registry"
	"winspec-relay/transport"
)

// DefaultTimeout bounds a call when the caller's context has no earlier deadline.
// Acquisitions with long exposures need a larger value.
const DefaultTimeout = 100 * time.Second

type options struct {
	codec        codec.CodecType
	timeout      time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
	header       http.Header
	dialer       *websocket.Dialer
}

// Option configures a Client.
type Option func(*options)

// WithCodec selects the body encoding. JSON is the default.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithTimeout sets the per-call timeout. Zero means calls wait as long as their context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithPingInterval sets how often the connection is probed. Zero disables probing.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.pingInterval = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHeader adds HTTP headers to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithDialer replaces websocket.DefaultDialer, e.g. to set a proxy or handshake timeout.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// Client is a connection to one relay server. It is safe for concurrent use; the
// server runs the calls one at a time in the order they were sent.
type Client struct {
	addr      string
	transport *transport.ClientTransport
	timeout   time.Duration
	logger    *zap.Logger
}

// Dial connects to the relay server at url (ws://host:port/path).
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{
		codec:        codec.CodecTypeJSON,
		timeout:      DefaultTimeout,
		pingInterval: 30 * time.Second,
		logger:       zap.NewNop(),
		dialer:       websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(&o)
	}

	conn, resp, err := o.dialer.DialContext(ctx, url, o.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	logger := o.logger.With(zap.String("server", url))
	t, err := transport.NewClientTransport(conn, o.codec, o.pingInterval, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Debug("connected", zap.Stringer("codec", o.codec))
	return &Client{
		addr:      url,
		transport: t,
		timeout:   o.timeout,
		logger:    logger,
	}, nil
}

// DialRegistry looks up the servers announced under service and dials the one bal picks.
func DialRegistry(ctx context.Context, reg registry.Registry, service string, bal loadbalance.Balancer, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("pick %s instance with %s: %w", service, bal.Name(), err)
	}
	return Dial(ctx, inst.Addr, opts...)
}

// Addr returns the URL the client is connected to.
func (c *Client) Addr() string {
	return c.addr
}

// Close closes the connection. Calls still waiting fail with transport.ErrConnectionClosed.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.transport.Done()
}

// Get reads the property at the dotted path into reply.
func (c *Client) Get(ctx context.Context, path string, reply any) error {
	return c.do(ctx, &message.Call{Kind: message.KindGet, Path: splitPath(path)}, reply)
}

// Set writes value to the property at the dotted path.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: set %s: %w", message.ErrUnsupportedValue, path, err)
	}
	return c.do(ctx, &message.Call{Kind: message.KindSet, Path: splitPath(path), Args: []json.RawMessage{raw}}, nil)
}

// Call invokes the method at the dotted path and stores its result in reply.
// reply may be nil when the result is not needed.
func (c *Client) Call(ctx context.Context, path string, reply any, args ...any) error {
	call := &message.Call{Kind: message.KindCall, Path: splitPath(path)}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("%w: call %s argument %d: %w", message.ErrUnsupportedValue, path, i, err)
		}
		call.Args = append(call.Args, raw)
	}
	return c.do(ctx, call, reply)
}

// do sends one call and waits for its result.
func (c *Client) do(ctx context.Context, call *message.Call, reply any) error {
	if err := call.Validate(); err != nil {
		return err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	seq, ch, err := c.transport.Send(call)
	if err != nil {
		return fmt.Errorf("%s %s: %w", call.Kind, call.Target(), err)
	}

	select {
	case r := <-ch:
		if r.Err != nil {
			return fmt.Errorf("%s %s: %w", call.Kind, call.Target(), r.Err)
		}
		if err := r.Result.Err(call); err != nil {
			return err
		}
		if reply == nil || len(r.Result.Value) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.Result.Value, reply); err != nil {
			return fmt.Errorf("decode result of %s into %T: %w", call.Target(), reply, err)
		}
		return nil
	case <-ctx.Done():
		// The server still runs the call; its reply is dropped when it arrives.
		c.transport.Forget(seq)
		c.logger.Debug("call abandoned", zap.String("path", call.Target()), zap.Error(ctx.Err()))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s: %w", message.ErrTimeout, call.Kind, call.Target(), ctx.Err())
		}
		return fmt.Errorf("%s %s: %w", call.Kind, call.Target(), ctx.Err())
	}
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}
