package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	log "github.com/sirupsen/logrus"

	"github.com/omochice/toy-socket-relay/internal/chat"
	"github.com/omochice/toy-socket-relay/internal/transport/tcp"
)

// HandshakeTimeout bounds the HTTP upgrade of an accepted connection.
const HandshakeTimeout = 5 * time.Second

// Listener accepts TCP connections and upgrades them to WebSocket.
// Upgrades run in their own goroutines so a slow handshake does not hold up
// the accept loop.
type Listener struct {
	ln           *net.TCPListener
	writeTimeout time.Duration

	upgraded *chat.Queue[*Conn]
	wg       sync.WaitGroup
}

// Listen binds address.
func Listen(address string, writeTimeout time.Duration) (*Listener, error) {
	ln, err := tcp.ListenTCP(address)
	if err != nil {
		return nil, err
	}
	log.Debugf("WebSocket relay is listening on address: %s", ln.Addr())
	return &Listener{
		ln:           ln,
		writeTimeout: writeTimeout,
		upgraded:     chat.NewQueue[*Conn](),
	}, nil
}

// Accept waits at most wait for a pending connection, starts its upgrade,
// and returns one connection whose upgrade has completed, if any.
func (l *Listener) Accept(wait time.Duration) (chat.Conn, error) {
	raw, err := tcp.AcceptWithin(l.ln, wait)
	switch {
	case err == nil:
		l.wg.Add(1)
		go l.upgrade(raw)
	case !errors.Is(err, chat.ErrWouldBlock):
		return nil, err
	}

	if c, ok := l.upgraded.TryPop(); ok {
		return c, nil
	}
	return nil, chat.ErrWouldBlock
}

func (l *Listener) upgrade(raw net.Conn) {
	defer l.wg.Done()

	_ = raw.SetDeadline(time.Now().Add(HandshakeTimeout))
	if _, err := ws.Upgrade(raw); err != nil {
		log.WithField("peer", raw.RemoteAddr().String()).Warnf("failed to upgrade connection: %v", err)
		_ = raw.Close()
		return
	}
	_ = raw.SetDeadline(time.Time{})

	c := NewServerConn(raw, l.writeTimeout)
	if err := l.upgraded.Push(c); err != nil {
		_ = c.Close()
	}
}

// Addr returns the listening address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops listening, waits for running upgrades and closes upgraded
// connections that were never accepted.
func (l *Listener) Close() error {
	err := l.ln.Close()
	l.upgraded.Close()
	l.wg.Wait()
	for {
		c, ok := l.upgraded.TryPop()
		if !ok {
			break
		}
		_ = c.Close()
	}
	return err
}

// Dial connects to a ws:// URL and returns a client frame connection.
func Dial(ctx context.Context, url string, writeTimeout time.Duration) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewClientConn(conn, br, writeTimeout), nil
}

// IsURL reports whether address selects the WebSocket transport.
func IsURL(address string) bool {
	return strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://")
}
