package realtime

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by a Connection.
type Metrics struct {
	state          prometheus.Gauge
	connects       prometheus.Counter
	disconnects    *prometheus.CounterVec
	reconnects     prometheus.Counter
	framesReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	handlerPanics  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "civic",
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "civic",
			Subsystem: "realtime",
			Name:      "connects_total",
			Help:      "Successful socket opens.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civic",
			Subsystem: "realtime",
			Name:      "disconnects_total",
			Help:      "Socket closes by close code.",
		}, []string{"code"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "civic",
			Subsystem: "realtime",
			Name:      "reconnects_scheduled_total",
			Help:      "Automatic reconnects scheduled after unexpected closes.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civic",
			Subsystem: "realtime",
			Name:      "frames_received_total",
			Help:      "Inbound frames by event type.",
		}, []string{"type"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civic",
			Subsystem: "realtime",
			Name:      "frames_sent_total",
			Help:      "Outbound frames by event type.",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civic",
			Subsystem: "realtime",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped, by reason.",
		}, []string{"reason"}),
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civic",
			Subsystem: "realtime",
			Name:      "handler_panics_total",
			Help:      "Handlers that panicked, by event type.",
		}, []string{"type"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.state,
			m.connects,
			m.disconnects,
			m.reconnects,
			m.framesReceived,
			m.framesSent,
			m.framesDropped,
			m.handlerPanics,
		)
	}
	return m
}

func (m *Metrics) setState(s State) {
	m.state.Set(float64(s))
}

func (m *Metrics) disconnected(code int) {
	m.disconnects.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) dropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}
