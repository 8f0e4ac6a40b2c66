package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/civicpulse/realtime/internal/realtime"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	clients       prometheus.Gauge
	usersOnline   prometheus.Gauge
	framesIn      *prometheus.CounterVec
	published     *prometheus.CounterVec
	deliveries    prometheus.Counter
	rateLimited   prometheus.Counter
	slowEvictions prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "civic",
			Subsystem: "relay",
			Name:      "connected_clients",
			Help:      "Open client sockets.",
		}),
		usersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "civic",
			Subsystem: "relay",
			Name:      "users_online",
			Help:      "Users whose presence is not offline.",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civic",
			Subsystem: "relay",
			Name:      "frames_received_total",
			Help:      "Inbound intent frames by event type.",
		}, []string{"type"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civic",
			Subsystem: "relay",
			Name:      "frames_published_total",
			Help:      "Frames handed to the broker by event type.",
		}, []string{"type"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "civic",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Frames queued to individual clients.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "civic",
			Subsystem: "relay",
			Name:      "frames_rate_limited_total",
			Help:      "Inbound frames dropped by the per-client rate limit.",
		}),
		slowEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "civic",
			Subsystem: "relay",
			Name:      "slow_client_evictions_total",
			Help:      "Clients disconnected because their send buffer was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.clients,
			m.usersOnline,
			m.framesIn,
			m.published,
			m.deliveries,
			m.rateLimited,
			m.slowEvictions,
		)
	}
	return m
}

func typeLabel(t realtime.EventType) string {
	if t.Known() {
		return string(t)
	}
	return "other"
}
