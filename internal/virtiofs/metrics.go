package virtiofs

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	Submitted          *prometheus.CounterVec
	Completed          *prometheus.CounterVec
	Backpressure       *prometheus.CounterVec
	InFlight           *prometheus.GaugeVec
	ProtocolViolations prometheus.Counter
	Truncations        prometheus.Counter
	Cancelled          prometheus.Counter
	Orphaned           prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "virtiofs",
			Name:      "requests_submitted_total",
			Help:      "Requests placed on a queue.",
		}, []string{"queue"}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "virtiofs",
			Name:      "requests_completed_total",
			Help:      "Requests returned by the device.",
		}, []string{"queue"}),
		Backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "virtiofs",
			Name:      "backpressure_total",
			Help:      "Submissions refused because a queue or the slot table was full.",
		}, []string{"queue"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "virtiofs",
			Name:      "requests_in_flight",
			Help:      "Requests currently owned by the device.",
		}, []string{"queue"}),
		ProtocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "virtiofs",
			Name:      "protocol_violations_total",
			Help:      "Completions with an unknown token or a bad out header.",
		}),
		Truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "virtiofs",
			Name:      "responses_truncated_total",
			Help:      "Responses longer than the response buffer.",
		}),
		Cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "virtiofs",
			Name:      "requests_cancelled_total",
			Help:      "Requests cancelled by their caller.",
		}),
		Orphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "virtiofs",
			Name:      "requests_orphaned_total",
			Help:      "Requests still in flight when the device was torn down.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Submitted, m.Completed, m.Backpressure, m.InFlight,
			m.ProtocolViolations, m.Truncations, m.Cancelled, m.Orphaned,
		)
	}
	return m
}

func queueLabel(index int) string { return strconv.Itoa(index) }
