package csrf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts token operations and gate decisions. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	TokenOperations *prometheus.CounterVec
	GateDecisions   *prometheus.CounterVec
}

// NewMetrics registers the csrfgate collectors on reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokenOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "csrfgate_token_operations_total",
				Help: "Total number of token registry operations by outcome",
			},
			[]string{"op", "result"},
		),
		GateDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "csrfgate_gate_decisions_total",
				Help: "Total number of request gate decisions by stage and outcome",
			},
			[]string{"stage", "result"},
		),
	}
}

func (m *Metrics) tokenOp(op string, err error) {
	if m == nil {
		return
	}
	m.TokenOperations.WithLabelValues(op, reason(err)).Inc()
}

func (m *Metrics) decision(stage string, err error) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(stage, reason(err)).Inc()
}
