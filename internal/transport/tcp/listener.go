package tcp

import (
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/omochice/toy-socket-relay/internal/chat"
)

// Listener accepts TCP connections and wraps them as frame connections.
type Listener struct {
	ln           *net.TCPListener
	writeTimeout time.Duration
}

// Listen binds address.
func Listen(address string, writeTimeout time.Duration) (*Listener, error) {
	ln, err := ListenTCP(address)
	if err != nil {
		return nil, err
	}
	log.Debugf("TCP relay is listening on address: %s", ln.Addr())
	return &Listener{ln: ln, writeTimeout: writeTimeout}, nil
}

// ListenTCP binds a raw TCP listener on address.
func ListenTCP(address string) (*net.TCPListener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("unexpected listener type %T", ln)
	}
	return tcpLn, nil
}

// Accept waits at most wait for one pending connection. It returns
// chat.ErrWouldBlock when none arrived.
func (l *Listener) Accept(wait time.Duration) (chat.Conn, error) {
	conn, err := AcceptWithin(l.ln, wait)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, l.writeTimeout), nil
}

// Addr returns the listening address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops listening.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// AcceptWithin accepts at most one connection from ln, waiting at most wait.
// A timeout is reported as chat.ErrWouldBlock; any other failure, including
// a closed listener, is returned wrapped.
func AcceptWithin(ln *net.TCPListener, wait time.Duration) (net.Conn, error) {
	if wait < minWait {
		wait = minWait
	}
	if err := ln.SetDeadline(time.Now().Add(wait)); err != nil {
		return nil, fmt.Errorf("failed to set accept deadline: %w", err)
	}
	conn, err := ln.Accept()
	if err == nil {
		return conn, nil
	}
	if isTimeout(err) && !errors.Is(err, net.ErrClosed) {
		return nil, chat.ErrWouldBlock
	}
	return nil, fmt.Errorf("failed to accept connection: %w", err)
}
