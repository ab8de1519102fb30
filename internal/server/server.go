// Package server implements the relay server: acceptors, one reader per
// connection, and the hub that broadcasts every message to all peers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/omochice/toy-socket-relay/internal/chat"
	"github.com/omochice/toy-socket-relay/internal/transport/tcp"
	"github.com/omochice/toy-socket-relay/internal/transport/ws"
	"github.com/omochice/toy-socket-relay/pkg/protocol"
)

// ErrServerStopped is returned by Serve and Start after Stop.
var ErrServerStopped = errors.New("server stopped")

// Acceptor is the listening side of a transport.
type Acceptor interface {
	// Accept waits at most wait for one connection and returns
	// chat.ErrWouldBlock when none is pending.
	Accept(wait time.Duration) (chat.Conn, error)
	Addr() string
	Close() error
}

// Recorder receives server events on top of the hub events.
type Recorder interface {
	chat.Observer
	ConnectionAccepted()
	FrameReceived()
	DecodeError()
}

type noopRecorder struct{}

func (noopRecorder) PeerAdded()          {}
func (noopRecorder) PeerRemoved()        {}
func (noopRecorder) PeerDropped()        {}
func (noopRecorder) FrameSent()          {}
func (noopRecorder) ConnectionAccepted() {}
func (noopRecorder) FrameReceived()      {}
func (noopRecorder) DecodeError()        {}

// Option configures a Server.
type Option func(s *Server)

// WithRecorder attaches an event recorder such as *metrics.Metrics.
func WithRecorder(r Recorder) Option {
	return func(s *Server) {
		if r != nil {
			s.recorder = r
		}
	}
}

// Server represents the relay server
type Server struct {
	cfg      Config
	hub      *chat.Hub
	recorder Recorder

	mu         sync.Mutex
	listener   Acceptor
	wsListener Acceptor

	nextID atomic.Uint64

	quit       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	cancelHub  context.CancelFunc
	hubDone    chan struct{}
	hubStarted bool
}

// New creates a new Server instance
func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		recorder: noopRecorder{},
		quit:     make(chan struct{}),
		hubDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = chat.NewHub(
		chat.WithEcho(cfg.Echo),
		chat.WithPollInterval(cfg.PollInterval),
		chat.WithObserver(s.recorder),
	)
	return s
}

// Listen binds the configured listeners. Failure here is fatal for the
// process.
func (s *Server) Listen() error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	listener, err := tcp.Listen(s.cfg.ListenAddress, s.cfg.WriteTimeout)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	var wsListener Acceptor
	if s.cfg.WSListenAddress != "" {
		wsl, err := ws.Listen(s.cfg.WSListenAddress, s.cfg.WriteTimeout)
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("failed to start WebSocket server: %w", err)
		}
		wsListener = wsl
	}

	s.mu.Lock()
	s.listener = listener
	s.wsListener = wsListener
	s.mu.Unlock()

	log.Infof("Server started on %s", listener.Addr())
	if wsListener != nil {
		log.Infof("WebSocket server started on %s", wsListener.Addr())
	}
	return nil
}

// Serve runs the broadcaster and the accept loops until Stop is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener, wsListener := s.listener, s.wsListener
	if listener == nil {
		s.mu.Unlock()
		return fmt.Errorf("server is not listening")
	}
	if s.hubStarted {
		s.mu.Unlock()
		return fmt.Errorf("server is already serving")
	}
	select {
	case <-s.quit:
		s.mu.Unlock()
		return ErrServerStopped
	default:
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelHub = cancel
	s.hubStarted = true
	s.wg.Add(1)
	if wsListener != nil {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	go func() {
		defer close(s.hubDone)
		s.hub.Run(ctx)
	}()

	go s.acceptLoop(listener, "tcp")
	if wsListener != nil {
		go s.acceptLoop(wsListener, "websocket")
	}

	<-s.quit
	return ErrServerStopped
}

// Start binds and serves. It blocks until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop stops the server
func (s *Server) Stop() {
	if err := s.Shutdown(context.Background()); err != nil {
		log.Errorf("failed to stop server cleanly: %v", err)
	}
}

// Shutdown closes the listeners, waits for accept and read loops, then stops
// the broadcaster, which closes every registered connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs error
	s.stopOnce.Do(func() {
		close(s.quit)

		s.mu.Lock()
		listener, wsListener := s.listener, s.wsListener
		cancelHub, hubStarted := s.cancelHub, s.hubStarted
		s.mu.Unlock()

		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = multierror.Append(errs, fmt.Errorf("failed to close listener: %w", err))
			}
		}
		if wsListener != nil {
			if err := wsListener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = multierror.Append(errs, fmt.Errorf("failed to close WebSocket listener: %w", err))
			}
		}

		if err := s.wait(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}

		if hubStarted {
			cancelHub()
			select {
			case <-s.hubDone:
			case <-ctx.Done():
				errs = multierror.Append(errs, fmt.Errorf("broadcaster did not stop: %w", ctx.Err()))
			}
		}
	})
	return errs
}

func (s *Server) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connection handlers did not stop: %w", ctx.Err())
	}
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return ""
}

// WSAddr returns the WebSocket listening address, if enabled.
func (s *Server) WSAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wsListener != nil {
		return s.wsListener.Addr()
	}
	return ""
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// acceptLoop accepts at most one connection per poll.
func (s *Server) acceptLoop(a Acceptor, transport string) {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		conn, err := a.Accept(s.cfg.PollInterval)
		if err == nil {
			s.handleConn(conn, transport)
			continue
		}
		if errors.Is(err, chat.ErrWouldBlock) {
			continue
		}

		select {
		case <-s.quit:
			return
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			log.Errorf("%s listener closed unexpectedly: %v", transport, err)
			return
		}
		log.Errorf("Failed to accept %s connection: %v", transport, err)
		select {
		case <-s.quit:
			return
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func (s *Server) handleConn(conn chat.Conn, transport string) {
	id := chat.ConnID(s.nextID.Add(1))
	addr := conn.RemoteAddr()
	logger := log.WithFields(log.Fields{
		"conn_id":   id,
		"peer":      addr,
		"transport": transport,
	})

	if err := s.hub.Register(id, conn); err != nil {
		logger.Warnf("rejecting connection: %v", err)
		_ = conn.Close()
		return
	}
	s.recorder.ConnectionAccepted()
	logger.Infof("Client %s connected", addr)

	s.wg.Add(1)
	go s.readLoop(id, conn, logger)
}

// readLoop forwards every decoded frame to the hub until the connection
// fails, then asks the hub to drop it.
func (s *Server) readLoop(id chat.ConnID, conn chat.Conn, logger *log.Entry) {
	defer s.wg.Done()
	addr := conn.RemoteAddr()

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		frame, err := conn.ReadFrame(s.cfg.PollInterval)
		if errors.Is(err, chat.ErrWouldBlock) {
			continue
		}
		if err != nil {
			logger.Infof("Closing connection with: %s", addr)
			logger.Debugf("read failed: %v", err)
			_ = s.hub.Unregister(id)
			return
		}
		s.recorder.FrameReceived()

		text, err := protocol.Decode(frame)
		if err != nil {
			s.recorder.DecodeError()
			logger.Warnf("skipping frame [%s]: %v", frame, err)
			continue
		}
		logger.Debugf("%s: %q", addr, text)

		if err := s.hub.Publish(chat.Envelope{Sender: id, Addr: addr, Text: text}); err != nil {
			return
		}
	}
}
