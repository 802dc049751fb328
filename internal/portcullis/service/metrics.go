package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/portcullis/portcullis/internal/portcullis/token"
)

// Metrics counts admission outcomes and reader traffic.
type Metrics struct {
	Decisions  *prometheus.CounterVec
	Syncs      *prometheus.CounterVec
	Heartbeats *prometheus.CounterVec
}

// NewMetrics registers the admission collectors on reg. A nil reg leaves
// them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portcullis",
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by token type and outcome.",
		}, []string{"type", "outcome"}),
		Syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portcullis",
			Name:      "roster_syncs_total",
			Help:      "Roster synchronisation attempts by result.",
		}, []string{"result"}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portcullis",
			Name:      "reader_heartbeats_total",
			Help:      "Reader heartbeats by whether the reader is commissioned.",
		}, []string{"known"}),
	}
	if reg != nil {
		reg.MustRegister(m.Decisions, m.Syncs, m.Heartbeats)
	}
	return m
}

func (m *Metrics) observeDecision(typ token.Type, err error) {
	if m == nil {
		return
	}
	outcome := "granted"
	if err != nil {
		outcome = KindOf(err).String()
	}
	label := "unknown"
	if typ != 0 {
		label = typ.String()
	}
	m.Decisions.WithLabelValues(label, outcome).Inc()
}

func (m *Metrics) observeSync(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Syncs.WithLabelValues(result).Inc()
}

func (m *Metrics) observeHeartbeat(known bool) {
	if m == nil {
		return
	}
	label := "false"
	if known {
		label = "true"
	}
	m.Heartbeats.WithLabelValues(label).Inc()
}
