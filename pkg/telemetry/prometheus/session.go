package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
)

const (
	livekitNamespace string = "livekit"
	sessionSubsystem string = "session"
)

var (
	initialized atomic.Bool

	SessionOperationCounter *prometheus.CounterVec
	DataPacketCounter       *prometheus.CounterVec
	SignalRequestCounter    *prometheus.CounterVec
	SignalRTT               prometheus.Gauge
	ReconnectAttempts       prometheus.Histogram
)

func init() {
	SessionOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livekitNamespace,
			Subsystem: sessionSubsystem,
			Name:      "operation",
		},
		[]string{"type", "status", "reason"},
	)

	DataPacketCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livekitNamespace,
			Subsystem: sessionSubsystem,
			Name:      "data_packets",
		},
		[]string{"kind", "direction"},
	)

	SignalRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livekitNamespace,
			Subsystem: sessionSubsystem,
			Name:      "signal_requests",
			Help:      "Signal requests by delivery path: sent directly, queued while reconnecting, or flushed from the queue.",
		},
		[]string{"path"},
	)

	SignalRTT = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: livekitNamespace,
			Subsystem: sessionSubsystem,
			Name:      "signal_rtt_ms",
			Help:      "Last measured signal round trip time.",
		},
	)

	ReconnectAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: livekitNamespace,
			Subsystem: sessionSubsystem,
			Name:      "reconnect_attempts",
			Help:      "Attempts needed until a reconnect succeeded or was given up.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)
}

// Init registers the session collectors with the default registry. Safe to call more than once.
func Init() {
	if initialized.Swap(true) {
		return
	}

	prometheus.MustRegister(SessionOperationCounter)
	prometheus.MustRegister(DataPacketCounter)
	prometheus.MustRegister(SignalRequestCounter)
	prometheus.MustRegister(SignalRTT)
	prometheus.MustRegister(ReconnectAttempts)
}

func RecordOperation(op string, err error, reason string) {
	status := "success"
	if err != nil {
		status = "error"
	}
	SessionOperationCounter.WithLabelValues(op, status, reason).Add(1)
}

func RecordDataPacket(kind livekit.DataPacket_Kind, outgoing bool) {
	direction := "incoming"
	if outgoing {
		direction = "outgoing"
	}
	DataPacketCounter.WithLabelValues(kind.String(), direction).Add(1)
}
