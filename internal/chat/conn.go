// Package chat provides the relay core shared by all transports: the frame
// connection abstraction, the unbounded queues tasks talk through, and the
// hub that owns the connection registry and fans messages out.
package chat

import (
	"errors"
	"time"

	"github.com/omochice/toy-socket-relay/pkg/protocol"
)

var (
	// ErrWouldBlock reports that no complete frame is available yet.
	// It is never fatal; callers retry on the next poll.
	ErrWouldBlock = errors.New("no frame available")

	// ErrConnectionClosed reports that the peer is gone or the stream is
	// corrupted. The connection must be dropped.
	ErrConnectionClosed = errors.New("connection closed")
)

// Conn abstracts a bidirectional frame stream for both TCP and WebSocket.
// The read side is used by exactly one reader task and the write side by
// exactly one writer task.
type Conn interface {
	// ReadFrame waits at most wait for a complete frame. It returns
	// ErrWouldBlock when none arrived in time and an error wrapping
	// ErrConnectionClosed when the stream is unusable. Partial frames stay
	// buffered inside the connection.
	ReadFrame(wait time.Duration) (protocol.Frame, error)

	// WriteFrame writes one whole frame.
	WriteFrame(f protocol.Frame) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
