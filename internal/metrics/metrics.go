// Package metrics holds the Prometheus collectors of the identity pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Registrations *prometheus.CounterVec
	Compensations *prometheus.CounterVec
	Logins        *prometheus.CounterVec
	BulkRows      *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg yields unregistered
// collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "registrations_total",
			Help:      "Registration attempts by role and outcome code.",
		}, []string{"role", "outcome"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "compensations_total",
			Help:      "Identity directory rollbacks by result.",
		}, []string{"result"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "logins_total",
			Help:      "Login attempts by role, method and outcome code.",
		}, []string{"role", "method", "outcome"}),
		BulkRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "bulk_rows_total",
			Help:      "Bulk import rows by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Registrations, m.Compensations, m.Logins, m.BulkRows)
	}
	return m
}

// Outcome renders an error code as a label value.
func Outcome(code string) string {
	if code == "" {
		return "ok"
	}
	return code
}
