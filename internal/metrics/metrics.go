// Package metrics holds the Prometheus collectors of a chat client.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Statuses are the label values of the connection status gauge.
var Statuses = []string{"disconnected", "connecting", "connected", "error"}

// Metrics holds all client collectors.
type Metrics struct {
	FramesReceived   *prometheus.CounterVec
	FramesSent       *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
	Reconnects       prometheus.Counter
	Status           *prometheus.GaugeVec
	DeltasBuffered   prometheus.Counter
	DeltasDiscarded  prometheus.Counter
	StreamsCompleted prometheus.Counter
}

// New registers the collectors on reg. It returns nil when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webchat_frames_received_total",
				Help: "Frames received from the server, by kind",
			},
			[]string{"kind"},
		),
		FramesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webchat_frames_sent_total",
				Help: "Frames sent to the server, by type",
			},
			[]string{"type"},
		),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webchat_frames_dropped_total",
				Help: "Inbound frames dropped, by reason",
			},
			[]string{"reason"},
		),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "webchat_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled after abnormal closes",
		}),
		Status: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "webchat_connection_status",
				Help: "1 for the current connection status, 0 otherwise",
			},
			[]string{"status"},
		),
		DeltasBuffered: f.NewCounter(prometheus.CounterOpts{
			Name: "webchat_stream_deltas_buffered_total",
			Help: "Stream deltas that arrived ahead of sequence and were buffered",
		}),
		DeltasDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "webchat_stream_deltas_discarded_total",
			Help: "Stale or duplicate stream deltas discarded",
		}),
		StreamsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "webchat_streams_completed_total",
			Help: "Streams finished with stream_end",
		}),
	}
}

// FrameReceived counts an inbound frame.
func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

// FrameSent counts an outbound frame.
func (m *Metrics) FrameSent(typ string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(typ).Inc()
}

// FrameDropped counts a dropped inbound frame.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// Reconnect counts a scheduled reconnect.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SetStatus marks status as current.
func (m *Metrics) SetStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range Statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.Status.WithLabelValues(s).Set(v)
	}
}

// Stream adds reassembly counter increments.
func (m *Metrics) Stream(buffered, discarded, completed int) {
	if m == nil {
		return
	}
	m.DeltasBuffered.Add(float64(buffered))
	m.DeltasDiscarded.Add(float64(discarded))
	m.StreamsCompleted.Add(float64(completed))
}
