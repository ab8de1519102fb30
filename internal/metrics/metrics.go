// Package metrics exposes relay counters in Prometheus format.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultEndpoint = "/metrics"

// Metrics holds the relay collectors. It implements chat.Observer.
type Metrics struct {
	registry *prometheus.Registry

	connectionsAccepted prometheus.Counter
	peers               prometheus.Gauge
	framesReceived      prometheus.Counter
	framesSent          prometheus.Counter
	peersDropped        prometheus.Counter
	decodeErrors        prometheus.Counter
}

// New creates the collectors on a private registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_accepted_total",
			Help: "Connections accepted by the relay.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_peers",
			Help: "Connections currently registered for broadcast.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Frames read from peers.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_sent_total",
			Help: "Frames written to peers.",
		}),
		peersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_peers_dropped_total",
			Help: "Peers removed after a failed write.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_decode_errors_total",
			Help: "Frames skipped because their payload was not valid text.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.connectionsAccepted, m.peers, m.framesReceived, m.framesSent, m.peersDropped, m.decodeErrors,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) ConnectionAccepted() { m.connectionsAccepted.Inc() }
func (m *Metrics) FrameReceived()      { m.framesReceived.Inc() }
func (m *Metrics) DecodeError()        { m.decodeErrors.Inc() }

func (m *Metrics) PeerAdded()   { m.peers.Inc() }
func (m *Metrics) PeerRemoved() { m.peers.Dec() }
func (m *Metrics) FrameSent()   { m.framesSent.Inc() }

// PeerDropped counts a forced removal; the peer also leaves the gauge.
func (m *Metrics) PeerDropped() {
	m.peersDropped.Inc()
	m.peers.Dec()
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collected metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Server serves metrics over HTTP.
type Server struct {
	Endpoint string

	*http.Server
}

// NewServer returns an HTTP server exposing m at /metrics on address.
func NewServer(address string, m *Metrics) *Server {
	router := http.NewServeMux()
	router.Handle(defaultEndpoint, m.Handler())

	return &Server{
		Endpoint: defaultEndpoint,
		Server: &http.Server{
			Addr:    address,
			Handler: router,
		},
	}
}

// Shutdown stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.Server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
