package monitoring

import (
	"time"

	"passpot/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Relay counters
	peersConnectedTotal    prometheus.Gauge
	signalingMessagesTotal *prometheus.CounterVec

	// Call counters
	callsActiveTotal prometheus.Gauge
	callsEndedTotal  *prometheus.CounterVec
	busyRejectsTotal prometheus.Counter

	// Histograms
	callSetupDuration prometheus.Histogram
	callDuration      prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		peersConnectedTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "passpot_peers_connected_total",
			Help: "Number of users connected to the signaling relay",
		}),

		signalingMessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "passpot_signaling_messages_total",
			Help: "Signaling messages routed through the relay",
		}, []string{"type"}),

		callsActiveTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "passpot_calls_active_total",
			Help: "Calls currently in a non-terminal state",
		}),

		callsEndedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "passpot_calls_ended_total",
			Help: "Terminated calls by logged status",
		}, []string{"status"}),

		busyRejectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "passpot_busy_rejects_total",
			Help: "Incoming offers auto-rejected because a call was active",
		}),

		callSetupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "passpot_call_setup_duration_seconds",
			Help:    "Time from dialing to media connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		callDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "passpot_call_duration_seconds",
			Help:    "Duration of connected calls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
}

func (p *PrometheusCollector) RecordPeerConnected() {
	p.peersConnectedTotal.Inc()
}

func (p *PrometheusCollector) RecordPeerDisconnected() {
	p.peersConnectedTotal.Dec()
}

func (p *PrometheusCollector) RecordSignalingMessage(msgType string) {
	p.signalingMessagesTotal.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) RecordBusyReject() {
	p.busyRejectsTotal.Inc()
}

func (p *PrometheusCollector) RecordCallSetup(duration time.Duration) {
	p.callSetupDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordCallEnded(status domain.CallStatus, duration time.Duration) {
	p.callsEndedTotal.WithLabelValues(string(status)).Inc()
	if status == domain.CallCompleted {
		p.callDuration.Observe(duration.Seconds())
	}
}

// OnCallStateChanged lets the collector ride the coordinator's observer
// fan-out to keep the active calls gauge current.
func (p *PrometheusCollector) OnCallStateChanged(change domain.CallStateChange) {
	switch change.State {
	case domain.StateDialing, domain.StateRinging:
		// Entering a call lifts the gauge exactly once, on the first
		// non-idle state.
		p.callsActiveTotal.Inc()
	case domain.StateEnded:
		p.callsActiveTotal.Dec()
	}
}
