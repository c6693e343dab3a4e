// Package metrics registers the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	reg *prometheus.Registry

	SendsTotal       *prometheus.CounterVec
	JobsArmed        prometheus.Gauge
	JobsCompleted    prometheus.Counter
	JobsExpired      prometheus.Counter
	CRMRequestsTotal *prometheus.CounterVec
	RejectedNumbers  prometheus.Counter
}

// New builds a Metrics set on its own registry so tests can create
// instances without double-registration panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broadcast_sends_total",
			Help: "Outbound template sends by final status.",
		}, []string{"status"}),
		JobsArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broadcast_jobs_armed",
			Help: "Jobs currently waiting on a deadline timer.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_jobs_completed_total",
			Help: "Jobs that dispatched their full contact list.",
		}),
		JobsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_jobs_expired_total",
			Help: "Jobs discarded at recovery because run_at had passed.",
		}),
		CRMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_requests_total",
			Help: "CRM API requests by outcome.",
		}, []string{"outcome"}),
		RejectedNumbers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_rejected_numbers_total",
			Help: "Phone values rejected during audience normalization.",
		}),
	}
	reg.MustRegister(m.SendsTotal, m.JobsArmed, m.JobsCompleted, m.JobsExpired, m.CRMRequestsTotal, m.RejectedNumbers)
	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.reg
}

// Nil-safe helpers: components hold a possibly-nil *Metrics.

func (m *Metrics) Send(status string) {
	if m != nil {
		m.SendsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ArmedDelta(d float64) {
	if m != nil {
		m.JobsArmed.Add(d)
	}
}

func (m *Metrics) Completed() {
	if m != nil {
		m.JobsCompleted.Inc()
	}
}

func (m *Metrics) Expired() {
	if m != nil {
		m.JobsExpired.Inc()
	}
}

func (m *Metrics) CRMRequest(outcome string) {
	if m != nil {
		m.CRMRequestsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Rejected() {
	if m != nil {
		m.RejectedNumbers.Inc()
	}
}
