package chat

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/omochice/toy-socket-relay/pkg/protocol"
)

// DefaultPollInterval is the idle cadence of every relay loop.
const DefaultPollInterval = 100 * time.Millisecond

// ConnID is a stable handle for a registered connection.
type ConnID uint64

// Envelope is a decoded message together with the connection it came from.
type Envelope struct {
	Sender ConnID
	Addr   string
	Text   string
}

// Observer receives registry and broadcast events, typically for metrics.
type Observer interface {
	PeerAdded()
	PeerRemoved()
	PeerDropped()
	FrameSent()
}

type noopObserver struct{}

func (noopObserver) PeerAdded()   {}
func (noopObserver) PeerRemoved() {}
func (noopObserver) PeerDropped() {}
func (noopObserver) FrameSent()   {}

// membership is a join request when conn is set and a leave request otherwise.
type membership struct {
	id   ConnID
	conn Conn
}

type peer struct {
	id   ConnID
	conn Conn
}

// Hub owns the connection registry and broadcasts messages to it.
// The registry is touched only by the goroutine running Run; every other
// goroutine talks to the hub through its queues.
type Hub struct {
	interval time.Duration
	echo     bool
	observer Observer

	members *Queue[membership]
	inbox   *Queue[Envelope]

	peers []*peer
	count atomic.Int64
	// iterations counts broadcaster loop passes.
	iterations atomic.Int64
}

// HubOption configures a Hub.
type HubOption func(h *Hub)

// WithEcho controls whether a message is written back to its sender.
func WithEcho(echo bool) HubOption {
	return func(h *Hub) {
		h.echo = echo
	}
}

// WithPollInterval sets the longest idle wait between broadcaster iterations.
func WithPollInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithObserver attaches an event observer.
func WithObserver(o Observer) HubOption {
	return func(h *Hub) {
		if o != nil {
			h.observer = o
		}
	}
}

// NewHub creates a new Hub. Echo is enabled by default.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		interval: DefaultPollInterval,
		echo:     true,
		observer: noopObserver{},
		members:  NewQueue[membership](),
		inbox:    NewQueue[Envelope](),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register asks the broadcaster to add conn under id.
func (h *Hub) Register(id ConnID, conn Conn) error {
	return h.members.Push(membership{id: id, conn: conn})
}

// Unregister asks the broadcaster to remove and close the connection.
// Unknown ids are ignored.
func (h *Hub) Unregister(id ConnID) error {
	return h.members.Push(membership{id: id})
}

// Publish enqueues a message for broadcast.
func (h *Hub) Publish(env Envelope) error {
	return h.inbox.Push(env)
}

// ClientCount returns number of registered connections as last seen by the
// broadcaster.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Run is the broadcaster loop. Every iteration applies pending membership
// changes, then broadcasts at most one message, then waits for new work or
// one poll interval. On return all registered connections are closed and
// further requests fail with ErrQueueClosed.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	timer := time.NewTimer(h.interval)
	defer timer.Stop()

	for {
		h.iterations.Add(1)
		h.applyMembership()

		if env, ok := h.inbox.TryPop(); ok {
			h.broadcast(env)
		}

		timer.Reset(h.interval)
		select {
		case <-ctx.Done():
			return
		case <-h.inbox.Ready():
		case <-h.members.Ready():
		case <-timer.C:
		}
	}
}

func (h *Hub) applyMembership() {
	for {
		m, ok := h.members.TryPop()
		if !ok {
			break
		}
		if m.conn != nil {
			h.peers = append(h.peers, &peer{id: m.id, conn: m.conn})
			h.observer.PeerAdded()
			continue
		}
		h.remove(m.id)
	}
	h.count.Store(int64(len(h.peers)))
}

func (h *Hub) remove(id ConnID) {
	for i, p := range h.peers {
		if p.id != id {
			continue
		}
		_ = p.conn.Close()
		copy(h.peers[i:], h.peers[i+1:])
		h.peers[len(h.peers)-1] = nil
		h.peers = h.peers[:len(h.peers)-1]
		h.observer.PeerRemoved()
		return
	}
}

// broadcast writes the message to every peer and drops those whose write
// fails.
func (h *Hub) broadcast(env Envelope) {
	frame := protocol.Encode(env.Text)
	log.Debugf("broadcasting %q from %s to %d peers", env.Text, env.Addr, len(h.peers))

	kept := h.peers[:0]
	for _, p := range h.peers {
		if !h.echo && p.id == env.Sender {
			kept = append(kept, p)
			continue
		}
		if err := p.conn.WriteFrame(frame); err != nil {
			log.WithFields(log.Fields{
				"conn_id": p.id,
				"peer":    p.conn.RemoteAddr(),
			}).Warnf("dropping peer after failed write: %v", err)
			_ = p.conn.Close()
			h.observer.PeerDropped()
			continue
		}
		h.observer.FrameSent()
		kept = append(kept, p)
	}
	for i := len(kept); i < len(h.peers); i++ {
		h.peers[i] = nil
	}
	h.peers = kept
	h.count.Store(int64(len(h.peers)))
}

func (h *Hub) shutdown() {
	h.members.Close()
	h.inbox.Close()
	h.applyMembership()
	for _, p := range h.peers {
		_ = p.conn.Close()
		h.observer.PeerRemoved()
	}
	h.peers = nil
	h.count.Store(0)
}
