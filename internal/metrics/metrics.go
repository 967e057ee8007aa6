// Package metrics provides Prometheus metrics for the node.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the node. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Wire metrics
	PacketsReceived *prometheus.CounterVec
	PacketsSent     *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec

	// Admission metrics
	HeadersAdmitted *prometheus.CounterVec
	BlocksAdmitted  *prometheus.CounterVec

	// Peer metrics
	Peers       *prometheus.GaugeVec
	Handshakes  *prometheus.CounterVec
	Disconnects *prometheus.CounterVec
	ProbeRTT    prometheus.Histogram

	// Chain metrics
	ChainHeight prometheus.Gauge
	OrphanCount prometheus.Gauge
}

// New creates the node metrics under namespace and registers them with reg.
// A nil reg uses the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		PacketsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received, by command",
		}, []string{"command"}),
		PacketsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets sent, by command",
		}, []string{"command"}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packet_decode_errors_total",
			Help:      "Fatal packet decode errors, by kind",
		}, []string{"kind"}),
		HeadersAdmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "headers_total",
			Help:      "Header admission decisions, by result",
		}, []string{"result"}),
		BlocksAdmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_total",
			Help:      "Block admission decisions, by status",
		}, []string{"status"}),
		Peers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Peer slots in use, by direction",
		}, []string{"direction"}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed handshake attempts, by result",
		}, []string{"result"}),
		Disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Disconnects sent, by code",
		}, []string{"code"}),
		ProbeRTT: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_rtt_seconds",
			Help:      "Round trip time of direct liveness probes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		ChainHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_height",
			Help:      "Height of the applied chain tip",
		}),
		OrphanCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orphan_blocks",
			Help:      "Blocks waiting for their parent",
		}),
	}
}

// PacketIn records a received packet.
func (m *Metrics) PacketIn(command string) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(command).Inc()
}

// PacketOut records a sent packet.
func (m *Metrics) PacketOut(command string) {
	if m == nil {
		return
	}
	m.PacketsSent.WithLabelValues(command).Inc()
}

// DecodeError records a fatal decode error.
func (m *Metrics) DecodeError(kind string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(kind).Inc()
}

// Header records a header admission decision.
func (m *Metrics) Header(accepted bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.HeadersAdmitted.WithLabelValues(result).Inc()
}

// Block records a block admission status.
func (m *Metrics) Block(status string) {
	if m == nil {
		return
	}
	m.BlocksAdmitted.WithLabelValues(status).Inc()
}

// SetPeers updates the per-direction peer gauges.
func (m *Metrics) SetPeers(inbound, outbound, feeler int) {
	if m == nil {
		return
	}
	m.Peers.WithLabelValues("inbound").Set(float64(inbound))
	m.Peers.WithLabelValues("outbound").Set(float64(outbound))
	m.Peers.WithLabelValues("feeler").Set(float64(feeler))
}

// Handshake records a handshake outcome.
func (m *Metrics) Handshake(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "established"
	}
	m.Handshakes.WithLabelValues(result).Inc()
}

// Disconnect records a disconnect code sent to a peer.
func (m *Metrics) Disconnect(code string) {
	if m == nil {
		return
	}
	m.Disconnects.WithLabelValues(code).Inc()
}

// ProbeAck records the round trip of an acknowledged probe.
func (m *Metrics) ProbeAck(rtt time.Duration) {
	if m == nil {
		return
	}
	m.ProbeRTT.Observe(rtt.Seconds())
}

// UpdateChain updates the chain gauges.
func (m *Metrics) UpdateChain(height int64, orphans int) {
	if m == nil {
		return
	}
	m.ChainHeight.Set(float64(height))
	m.OrphanCount.Set(float64(orphans))
}

// Server runs an HTTP server exposing the /metrics endpoint.
type Server struct {
	server *http.Server
}

// NewServer creates a metrics server on addr serving metrics from g.
// A nil g serves the default Prometheus registry.
func NewServer(addr string, g prometheus.Gatherer) *Server {
	handler := promhttp.Handler()
	if g != nil {
		handler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// StartAsync starts the metrics server in a goroutine. Errors other than
// a normal shutdown are passed to onErr when it is non-nil.
func (s *Server) StartAsync(onErr func(error)) {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onErr != nil {
			onErr(err)
		}
	}()
}

// Stop gracefully stops the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
