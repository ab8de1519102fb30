// Package tcp provides the TCP frame transport for the relay.
package tcp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/omochice/toy-socket-relay/internal/chat"
	"github.com/omochice/toy-socket-relay/pkg/protocol"
)

// DefaultWriteTimeout bounds how long a frame write may stall before the
// peer is considered gone.
const DefaultWriteTimeout = time.Second

// minWait keeps a zero wait from turning into an already-expired deadline,
// which would fail the read without looking at buffered data.
const minWait = time.Millisecond

// Conn adapts net.Conn to chat.Conn.
type Conn struct {
	conn         net.Conn
	writeTimeout time.Duration

	// partial frame carried over between ReadFrame calls
	buf [protocol.FrameSize]byte
	n   int
}

// NewConn wraps a net.Conn. A non-positive writeTimeout selects
// DefaultWriteTimeout.
func NewConn(conn net.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Conn{conn: conn, writeTimeout: writeTimeout}
}

// ReadFrame implements chat.Conn.
// The read deadline is the readiness wait: bytes that arrive before it are
// accumulated until a whole frame is available.
func (c *Conn) ReadFrame(wait time.Duration) (protocol.Frame, error) {
	if wait < minWait {
		wait = minWait
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
	}

	for c.n < protocol.FrameSize {
		n, err := c.conn.Read(c.buf[c.n:])
		c.n += n
		if err == nil {
			continue
		}
		if isTimeout(err) {
			return protocol.Frame{}, chat.ErrWouldBlock
		}
		return protocol.Frame{}, fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
	}

	f := protocol.Frame(c.buf)
	c.n = 0
	return f, nil
}

// WriteFrame implements chat.Conn.
func (c *Conn) WriteFrame(f protocol.Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
	}
	if _, err := c.conn.Write(f[:]); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
	}
	return nil
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
