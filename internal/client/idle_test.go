package client_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/omochice/toy-socket-relay/internal/chat"
	"github.com/omochice/toy-socket-relay/internal/client"
	"github.com/omochice/toy-socket-relay/pkg/protocol"
)

// idleConn never delivers a frame; it waits like a real socket and counts reads.
type idleConn struct {
	reads   atomic.Int64
	mu      sync.Mutex
	waits   []time.Duration
	closed  chan struct{}
	closeMu sync.Once
}

func newIdleConn() *idleConn {
	return &idleConn{closed: make(chan struct{})}
}

func (c *idleConn) ReadFrame(wait time.Duration) (protocol.Frame, error) {
	c.reads.Add(1)
	c.mu.Lock()
	c.waits = append(c.waits, wait)
	c.mu.Unlock()

	select {
	case <-c.closed:
		return protocol.Frame{}, chat.ErrConnectionClosed
	case <-time.After(wait):
		return protocol.Frame{}, chat.ErrWouldBlock
	}
}

func (c *idleConn) WriteFrame(protocol.Frame) error { return nil }

func (c *idleConn) Close() error {
	c.closeMu.Do(func() { close(c.closed) })
	return nil
}

func (c *idleConn) RemoteAddr() string { return "idle" }

func TestClient_IdleLoopFollowsInterval(t *testing.T) {
	const interval = 20 * time.Millisecond
	conn := newIdleConn()
	c := client.New(conn, client.WithPollInterval(interval))

	errChan := make(chan error, 1)
	go func() {
		errChan <- c.Run(context.Background())
	}()

	time.Sleep(10 * interval)
	_ = c.Close()
	assert.NoError(t, <-errChan)

	n := conn.reads.Load()
	assert.GreaterOrEqual(t, n, int64(5))
	assert.LessOrEqual(t, n, int64(12))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, w := range conn.waits {
		assert.Equal(t, interval, w)
	}
}
