// Package client implements the relay client: one connection, one network
// task that polls for frames and drains the outbound queue, and a console
// loop feeding that queue.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/omochice/toy-socket-relay/internal/chat"
	"github.com/omochice/toy-socket-relay/internal/transport/tcp"
	"github.com/omochice/toy-socket-relay/internal/transport/ws"
	"github.com/omochice/toy-socket-relay/pkg/protocol"
)

// DefaultServerAddress is the relay endpoint used when none is given.
const DefaultServerAddress = "127.0.0.1:6000"

var (
	// ErrServerClosed is returned by Run when the connection with the
	// server was terminated.
	ErrServerClosed = errors.New("connection with server was terminated")

	// ErrDisconnected is returned by Send once the network task has stopped.
	ErrDisconnected = errors.New("network task stopped")
)

type options struct {
	pollInterval time.Duration
	writeTimeout time.Duration
	dialRetries  uint64
	onMessage    func(text string)
	onSent       func(text string)
}

// Option configures a Client.
type Option func(o *options)

// WithPollInterval sets the longest wait of one network task iteration.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithDialRetries retries a failed connect with exponential backoff.
// Zero, the default, makes the first failure final.
func WithDialRetries(n uint64) Option {
	return func(o *options) {
		o.dialRetries = n
	}
}

// WithMessageHandler is called from the network task for every message
// received from the server.
func WithMessageHandler(fn func(text string)) Option {
	return func(o *options) {
		if fn != nil {
			o.onMessage = fn
		}
	}
}

// WithSentHandler is called from the network task after a message was
// written to the server.
func WithSentHandler(fn func(text string)) Option {
	return func(o *options) {
		if fn != nil {
			o.onSent = fn
		}
	}
}

func defaultOptions() options {
	return options{
		pollInterval: chat.DefaultPollInterval,
		writeTimeout: tcp.DefaultWriteTimeout,
		onMessage:    func(string) {},
		onSent:       func(string) {},
	}
}

// Client represents a relay client
type Client struct {
	conn     chat.Conn
	opts     options
	outbound *chat.Queue[string]

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a client over an established connection.
func New(conn chat.Conn, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newClient(conn, o)
}

func newClient(conn chat.Conn, o options) *Client {
	return &Client{
		conn:     conn,
		opts:     o,
		outbound: chat.NewQueue[string](),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Dial connects to address. A ws:// or wss:// URL selects the WebSocket
// transport, anything else is a TCP host:port.
func Dial(ctx context.Context, address string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var conn chat.Conn
	operation := func() error {
		c, err := dialConn(ctx, address, o.writeTimeout)
		if err != nil {
			log.Debugf("connect to %s failed: %v", address, err)
			return err
		}
		conn = c
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), o.dialRetries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return newClient(conn, o), nil
}

func dialConn(ctx context.Context, address string, writeTimeout time.Duration) (chat.Conn, error) {
	if ws.IsURL(address) {
		conn, err := ws.Dial(ctx, address, writeTimeout)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return tcp.NewConn(conn, writeTimeout), nil
}

// RemoteAddr returns the server address.
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr()
}

// Send enqueues text for the network task. It never blocks.
func (c *Client) Send(text string) error {
	if err := c.outbound.Push(text); err != nil {
		return ErrDisconnected
	}
	return nil
}

// Done is closed when the network task has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close stops the network task and closes the connection.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		err = c.conn.Close()
	})
	return err
}

// Run is the network task. Each iteration reads at most one frame, then
// writes at most one queued message. It returns nil after Close or when ctx
// is done, ErrServerClosed when the server goes away, and the write error
// when a message cannot be sent.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.outbound.Close()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		default:
		}

		wait := c.opts.pollInterval
		if c.outbound.Len() > 0 {
			wait = 0
		}

		frame, err := c.conn.ReadFrame(wait)
		switch {
		case err == nil:
			c.deliver(frame)
		case errors.Is(err, chat.ErrWouldBlock):
		default:
			if c.stopped() {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrServerClosed, err)
		}

		if text, ok := c.outbound.TryPop(); ok {
			if err := c.conn.WriteFrame(protocol.Encode(text)); err != nil {
				if c.stopped() {
					return nil
				}
				return fmt.Errorf("failed to send message: %w", err)
			}
			c.opts.onSent(text)
		}
	}
}

func (c *Client) deliver(frame protocol.Frame) {
	text, err := protocol.Decode(frame)
	if err != nil {
		log.Warnf("skipping frame [%s]: %v", frame, err)
		return
	}
	c.opts.onMessage(text)
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}
