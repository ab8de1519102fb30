package chat_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omochice/toy-socket-relay/internal/chat"
	"github.com/omochice/toy-socket-relay/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan protocol.Frame
	writtenMu  sync.Mutex
	written    []protocol.Frame
	writeErr   error
	closed     atomic.Bool
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan protocol.Frame, 10),
		remoteAddr: addr,
	}
}

func (m *mockConn) ReadFrame(wait time.Duration) (protocol.Frame, error) {
	if m.closed.Load() {
		return protocol.Frame{}, chat.ErrConnectionClosed
	}
	select {
	case f := <-m.readCh:
		return f, nil
	case <-time.After(wait):
		return protocol.Frame{}, chat.ErrWouldBlock
	}
}

func (m *mockConn) WriteFrame(f protocol.Frame) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	if m.closed.Load() {
		return errors.New("write on closed mock")
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	m.written = append(m.written, f)
	return nil
}

func (m *mockConn) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) Texts() []string {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	texts := make([]string, 0, len(m.written))
	for _, f := range m.written {
		text, _ := protocol.Decode(f)
		texts = append(texts, text)
	}
	return texts
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
