package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections     prometheus.Gauge
	onlineUsers     prometheus.Gauge
	roomJoins       prometheus.Counter
	dropped         prometheus.Counter
	messages        *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	persistDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_realtime_connections",
			Help: "Live realtime connections",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_realtime_online_users",
			Help: "Identities with at least one live connection",
		}),
		roomJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_realtime_room_joins_total",
			Help: "Room joins that changed membership",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_realtime_dropped_deliveries_total",
			Help: "Deliveries dropped because a client queue was full",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_realtime_messages_total",
			Help: "Message pipeline outcomes",
		}, []string{"outcome"}), // provisional, delivered, failed
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_realtime_rejected_commands_total",
			Help: "Commands rejected before any side effect",
		}, []string{"reason"}),
		persistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_realtime_persist_duration_seconds",
			Help:    "Durable message write latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.onlineUsers, m.roomJoins, m.dropped, m.messages, m.rejected, m.persistDuration)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) userOnline() {
	if m != nil {
		m.onlineUsers.Inc()
	}
}

func (m *Metrics) userOffline() {
	if m != nil {
		m.onlineUsers.Dec()
	}
}

func (m *Metrics) roomJoined() {
	if m != nil {
		m.roomJoins.Inc()
	}
}

func (m *Metrics) deliveryDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) message(outcome string) {
	if m != nil {
		m.messages.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) persisted(d time.Duration) {
	if m != nil {
		m.persistDuration.Observe(d.Seconds())
	}
}
