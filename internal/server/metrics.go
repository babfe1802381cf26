// Package server exposes Prometheus instrumentation for the relay hub.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connections  prometheus.Gauge
	peers        prometheus.Gauge
	joins        prometheus.Counter
	rejections   *prometheus.CounterVec
	broadcasts   prometheus.Counter
	directed     prometheus.Counter
	dropped      prometheus.Counter
	rateLimited  prometheus.Counter
	payloadBytes *prometheus.CounterVec
}

// NewMetrics registers the relay collectors on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gorelay_connections_active",
			Help: "Connections currently holding a registry slot.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gorelay_peers_joined",
			Help: "Authenticated peers currently relaying.",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gorelay_joins_total",
			Help: "Peers that completed the handshake.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gorelay_rejections_total",
			Help: "Connections turned away grouped by reason.",
		}, []string{"reason"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gorelay_broadcasts_total",
			Help: "Lines fanned out to the other peers.",
		}),
		directed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gorelay_directed_total",
			Help: "Payloads delivered to a single addressed peer.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gorelay_dropped_total",
			Help: "Deliveries dropped because a peer outbox was full or closed.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gorelay_rate_limited_total",
			Help: "Chat lines discarded by the per-session rate limiter.",
		}),
		payloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gorelay_payload_bytes_total",
			Help: "Bytes handed to the dispatcher grouped by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.connections,
		m.peers,
		m.joins,
		m.rejections,
		m.broadcasts,
		m.directed,
		m.dropped,
		m.rateLimited,
		m.payloadBytes,
	)
	return m
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) peerJoined() {
	if m == nil {
		return
	}
	m.peers.Inc()
	m.joins.Inc()
}

func (m *Metrics) peerLeft() {
	if m == nil {
		return
	}
	m.peers.Dec()
}

// RecordRejection counts a connection refused before it started relaying.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// RecordBroadcast counts one fan-out of n bytes.
func (m *Metrics) RecordBroadcast(n int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.payloadBytes.WithLabelValues("broadcast").Add(float64(n))
}

// RecordDirected counts one delivered directed payload of n bytes.
func (m *Metrics) RecordDirected(n int) {
	if m == nil {
		return
	}
	m.directed.Inc()
	m.payloadBytes.WithLabelValues("directed").Add(float64(n))
}

// RecordDropped counts one delivery that no outbox accepted.
func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) recordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
