package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"peerlink/network"
)

// LinkMetrics exports network.Metrics as Prometheus collectors.
type LinkMetrics struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	connected      *prometheus.GaugeVec
	sessions       *prometheus.CounterVec
}

var _ network.Metrics = (*LinkMetrics)(nil)

// NewLinkMetrics creates the link collectors and registers them on reg.
func NewLinkMetrics(reg prometheus.Registerer) (*LinkMetrics, error) {
	m := &LinkMetrics{
		framesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "peerlink",
				Subsystem: "link",
				Name:      "frames_sent_total",
				Help:      "Frames written to the stream.",
			},
			[]string{"kind"},
		),
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "peerlink",
				Subsystem: "link",
				Name:      "frames_received_total",
				Help:      "Frames decoded from the stream.",
			},
			[]string{"kind"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "peerlink",
				Subsystem: "link",
				Name:      "messages_dropped_total",
				Help:      "Queued messages given up on.",
			},
			[]string{"kind"},
		),
		connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "peerlink",
				Subsystem: "link",
				Name:      "connected",
				Help:      "1 while a stream is live.",
			},
			[]string{"role"},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "peerlink",
				Subsystem: "link",
				Name:      "sessions_connected_total",
				Help:      "Streams established.",
			},
			[]string{"role"},
		),
	}

	for _, c := range []prometheus.Collector{m.framesSent, m.framesReceived, m.dropped, m.connected, m.sessions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *LinkMetrics) FrameSent(kind network.Kind) {
	m.framesSent.WithLabelValues(string(kind)).Inc()
}

func (m *LinkMetrics) FrameReceived(kind network.Kind) {
	m.framesReceived.WithLabelValues(string(kind)).Inc()
}

func (m *LinkMetrics) MessageDropped(kind network.Kind) {
	m.dropped.WithLabelValues(string(kind)).Inc()
}

func (m *LinkMetrics) SessionConnected(role network.Role, connected bool) {
	if connected {
		m.sessions.WithLabelValues(role.String()).Inc()
		m.connected.WithLabelValues(role.String()).Set(1)
		return
	}
	m.connected.WithLabelValues(role.String()).Set(0)
}
