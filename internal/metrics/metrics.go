package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "memecraft_collab"

// Metrics groups the collaboration counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	connections      prometheus.Gauge
	joins            prometheus.Counter
	leaves           prometheus.Counter
	broadcasts       *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	rejected         *prometheus.CounterVec
	relayed          *prometheus.CounterVec
	prunedSessions   prometheus.Counter
}

// New registers the collectors with reg. A nil reg builds unregistered
// collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		joins: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Successful document joins.",
		}),
		leaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaves_total",
			Help:      "Document leaves, including disconnect evictions.",
		}),
		broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Room broadcasts by outbound event.",
		}, []string{"event"}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Per-recipient send failures.",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_events_total",
			Help:      "Inbound events answered with an error.",
		}, []string{"event"}),
		relayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Frames exchanged with other instances.",
		}, []string{"direction"}),
		prunedSessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_sessions_total",
			Help:      "Empty document sessions removed by the sweeper.",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) Joined() {
	if m == nil {
		return
	}
	m.joins.Inc()
}

func (m *Metrics) Left() {
	if m == nil {
		return
	}
	m.leaves.Inc()
}

func (m *Metrics) Broadcast(event string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(event).Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) Rejected(event string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(event).Inc()
}

// Relayed counts relay traffic; direction is "out", "in" or "dropped".
func (m *Metrics) Relayed(direction string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(direction).Inc()
}

func (m *Metrics) Pruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.prunedSessions.Add(float64(n))
}
