package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Decisions *prometheus.CounterVec
	Degraded  prometheus.Counter
	Failures  *prometheus.CounterVec
}

const (
	outcomeAdmitted = "admitted"
	outcomeDenied   = "denied"
	outcomeError    = "error"
	failureEngine   = "engine"
	failureOpen     = "fail_open"
)

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_gateway_ratelimit_decisions_total",
			Help: "The total number of rate limit decisions",
		}, []string{"category", "outcome"}),
		Degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_gateway_ratelimit_degraded_total",
			Help: "The total number of decisions taken by the local fallback store",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_gateway_ratelimit_failures_total",
			Help: "The total number of rate limit failures by kind",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{m.Decisions, m.Degraded, m.Failures} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) observe(c Category, d Decision, err error) {
	if m == nil {
		return
	}

	switch {
	case err != nil:
		m.Decisions.WithLabelValues(string(c), outcomeError).Inc()
		m.Failures.WithLabelValues(failureEngine).Inc()

		return
	case d.Admitted:
		m.Decisions.WithLabelValues(string(c), outcomeAdmitted).Inc()
	default:
		m.Decisions.WithLabelValues(string(c), outcomeDenied).Inc()
	}

	if d.Degraded {
		m.Degraded.Inc()
	}
}

func (m *Metrics) failOpen() {
	if m == nil {
		return
	}

	m.Failures.WithLabelValues(failureOpen).Inc()
}
