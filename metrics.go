package gamesocket

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes used as metric labels.
const (
	outcomeSuccess   = "success"
	outcomeTimeout   = "timeout"
	outcomeClosed    = "closed"
	outcomeSendError = "send_error"
	outcomeUnknown   = "unknown_id"
)

// Metrics holds the Prometheus collectors of the protocol stack. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	framesIn        *prometheus.CounterVec
	framesOut       *prometheus.CounterVec
	compressedOut   prometheus.Counter
	violations      *prometheus.CounterVec
	requests        *prometheus.CounterVec
	pendingRequests prometheus.Gauge
	sessions        prometheus.Gauge
	connections     prometheus.Gauge
}

// NewMetrics registers the collectors with reg under namespace. A nil reg
// selects prometheus.DefaultRegisterer; an empty namespace selects
// "gamesocket".
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "gamesocket"
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded, by request mode.",
		}, []string{"mode"}),
		framesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames encoded, by request mode.",
		}, []string{"mode"}),
		compressedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_compressed_total",
			Help:      "Outbound frames whose body was compressed.",
		}),
		violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Connections closed because of a protocol violation, by reason.",
		}, []string{"reason"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Finished requests and dropped responses, by outcome.",
		}, []string{"outcome"}),
		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_pending",
			Help:      "Requests awaiting a response.",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Open sessions, logical ones included.",
		}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Open physical connections.",
		}),
	}
}

func (m *Metrics) frameIn(mode RequestMode) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) frameOut(mode RequestMode) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(mode.String()).Inc()
}

func (m *Metrics) compressed() {
	if m == nil {
		return
	}
	m.compressedOut.Inc()
}

func (m *Metrics) violation(err error) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(violationReason(err)).Inc()
}

func (m *Metrics) request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) pendingInc() {
	if m == nil {
		return
	}
	m.pendingRequests.Inc()
}

func (m *Metrics) pendingDec() {
	if m == nil {
		return
	}
	m.pendingRequests.Dec()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func violationReason(err error) string {
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		return "body_too_large"
	case errors.Is(err, ErrNegativeBodyLength):
		return "negative_length"
	case errors.Is(err, ErrSequenceMismatch):
		return "sequence"
	case errors.Is(err, ErrUnknownMessageType):
		return "unknown_type"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed"
	}
	return "other"
}
