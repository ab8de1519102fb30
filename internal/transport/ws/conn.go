// Package ws provides the WebSocket frame transport for the relay.
// Every relay frame travels as one binary WebSocket message.
package ws

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/toy-socket-relay/internal/chat"
	"github.com/omochice/toy-socket-relay/pkg/protocol"
)

// DefaultWriteTimeout bounds how long a frame write may stall.
const DefaultWriteTimeout = time.Second

// closeWait bounds the best-effort close frame written on Close.
const closeWait = 100 * time.Millisecond

type role int

const (
	roleServer role = iota
	roleClient
)

// Conn adapts a WebSocket connection to chat.Conn.
// A background pump performs the blocking message reads and hands complete
// frames over through a queue, so ReadFrame never sees a partial message.
// Every outgoing WebSocket frame, including pongs written by the pump, is
// written while holding wmu.
type Conn struct {
	conn         net.Conn
	role         role
	writeTimeout time.Duration

	wmu sync.Mutex
	r   io.Reader
	br  *bufio.Reader

	frames *chat.Queue[protocol.Frame]
	done   chan struct{}
	err    error

	closeOnce sync.Once
}

func newConn(conn net.Conn, br *bufio.Reader, role role, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	c := &Conn{
		conn:         conn,
		role:         role,
		writeTimeout: writeTimeout,
		r:            conn,
		br:           br,
		frames:       chat.NewQueue[protocol.Frame](),
		done:         make(chan struct{}),
	}
	if br != nil {
		c.r = br
	}

	go c.pump()
	return c
}

// NewServerConn wraps a connection whose upgrade handshake already
// completed on the server side.
func NewServerConn(conn net.Conn, writeTimeout time.Duration) *Conn {
	return newConn(conn, nil, roleServer, writeTimeout)
}

// NewClientConn wraps a dialed connection. br holds bytes buffered during
// the handshake and may be nil. It is returned to the ws pool once the
// connection stops reading.
func NewClientConn(conn net.Conn, br *bufio.Reader, writeTimeout time.Duration) *Conn {
	return newConn(conn, br, roleClient, writeTimeout)
}

func (c *Conn) state() ws.State {
	if c.role == roleServer {
		return ws.StateServerSide
	}
	return ws.StateClientSide
}

func (c *Conn) pump() {
	defer close(c.done)
	defer c.frames.Close()
	defer func() {
		if c.br != nil {
			ws.PutReader(c.br)
		}
	}()

	for {
		data, err := c.readMessage()
		if err != nil {
			c.err = err
			return
		}
		if len(data) != protocol.FrameSize {
			c.err = fmt.Errorf("unexpected message size %d", len(data))
			_ = c.conn.Close()
			return
		}
		var f protocol.Frame
		copy(f[:], data)
		_ = c.frames.Push(f)
	}
}

// readMessage returns the payload of the next data message, answering
// control frames on the way.
func (c *Conn) readMessage() ([]byte, error) {
	rd := &wsutil.Reader{
		Source:         c.r,
		State:          c.state(),
		OnIntermediate: c.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(rd)
	}
}

// handleControl reads the control payload first, then answers it with the
// write lock held for the whole reply.
func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return wsutil.ControlFrameHandler(c.conn, c.state())(hdr, bytes.NewReader(payload))
}

// ReadFrame implements chat.Conn.
func (c *Conn) ReadFrame(wait time.Duration) (protocol.Frame, error) {
	if f, ok := c.frames.TryPop(); ok {
		return f, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-c.frames.Ready():
	case <-c.done:
	case <-timer.C:
	}

	if f, ok := c.frames.TryPop(); ok {
		return f, nil
	}
	select {
	case <-c.done:
		return protocol.Frame{}, fmt.Errorf("%w: %v", chat.ErrConnectionClosed, c.err)
	default:
		return protocol.Frame{}, chat.ErrWouldBlock
	}
}

// WriteFrame implements chat.Conn.
func (c *Conn) WriteFrame(f protocol.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
	}

	var err error
	if c.role == roleServer {
		err = wsutil.WriteServerBinary(c.conn, f[:])
	} else {
		err = wsutil.WriteClientBinary(c.conn, f[:])
	}
	if err != nil {
		return fmt.Errorf("%w: %v", chat.ErrConnectionClosed, err)
	}
	return nil
}

// Close implements chat.Conn.
// A close frame is sent on a best-effort basis before the socket is closed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeWait))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		if c.role == roleServer {
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, body)
		} else {
			_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
		}
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
