// Package metrics provides Prometheus metrics for the dispensing core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	SyncSessions        *prometheus.CounterVec
	SyncDuration        prometheus.Histogram
	EntitiesPulled      *prometheus.CounterVec
	KindFailures        *prometheus.CounterVec
	RecordsPushed       *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	DispensesCommitted  prometheus.Counter
	PendingConfirmation prometheus.Counter
	RiskScore           prometheus.Histogram
	RegimenMisses       prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates the metrics and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SyncSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pod_sync_sessions_total",
			Help: "Sync sessions by result (ok, partial, canceled, rejected)",
		}, []string{"result"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pod_sync_duration_seconds",
			Help:    "Full sync session duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		EntitiesPulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pod_sync_entities_pulled_total",
			Help: "Entities pulled from the backend by kind and outcome",
		}, []string{"kind", "outcome"}),
		KindFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pod_sync_kind_failures_total",
			Help: "Per-kind pull failures",
		}, []string{"kind"}),
		RecordsPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pod_sync_records_pushed_total",
			Help: "Outbox deliveries by kind and result",
		}, []string{"kind", "result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pod_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		DispensesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pod_dispenses_committed_total",
			Help: "Dispense records committed locally",
		}),
		PendingConfirmation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pod_dispenses_pending_confirmation_total",
			Help: "Commits held for operator risk confirmation",
		}),
		RiskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pod_risk_score",
			Help:    "Risk scores of committed dispenses",
			Buckets: []float64{0, 20, 40, 60, 80, 100},
		}),
		RegimenMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pod_dose_regimen_misses_total",
			Help: "Dose resolutions with no applicable regimen",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pod_circuit_breaker_open",
			Help: "Circuit breaker state per backend resource (1=open)",
		}, []string{"name"}),
	}

	m.registry.MustRegister(
		m.SyncSessions,
		m.SyncDuration,
		m.EntitiesPulled,
		m.KindFailures,
		m.RecordsPushed,
		m.OutboxPending,
		m.DispensesCommitted,
		m.PendingConfirmation,
		m.RiskScore,
		m.RegimenMisses,
		m.CircuitBreakerState,
	)

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler for these metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveSync(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncSessions.WithLabelValues(result).Inc()
	m.SyncDuration.Observe(d.Seconds())
}

func (m *Metrics) ObservePulled(kind, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EntitiesPulled.WithLabelValues(kind, outcome).Add(float64(n))
}

func (m *Metrics) ObserveKindFailure(kind string) {
	if m == nil {
		return
	}
	m.KindFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObservePush(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.RecordsPushed.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

func (m *Metrics) ObserveCommit(score int) {
	if m == nil {
		return
	}
	m.DispensesCommitted.Inc()
	m.RiskScore.Observe(float64(score))
}

func (m *Metrics) ObservePendingConfirmation() {
	if m == nil {
		return
	}
	m.PendingConfirmation.Inc()
}

func (m *Metrics) ObserveRegimenMiss() {
	if m == nil {
		return
	}
	m.RegimenMisses.Inc()
}

func (m *Metrics) SetBreakerOpen(name string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}
