// Package observability provides Prometheus metrics for the sync server and
// the sync client.
//
// Metrics are registered against an injected prometheus.Registerer so that
// tests and embedded servers can use a private registry. The server exposes
// the registry on GET /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "incidentsync"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds every collector the server and client report to.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// OpsApplied counts newly applied operations by op type.
	OpsApplied *prometheus.CounterVec

	// OpsSkipped counts operations skipped by reason (duplicate, unsupported).
	OpsSkipped *prometheus.CounterVec

	// BatchesRejected counts sync batches aborted by a validation failure.
	BatchesRejected prometheus.Counter

	// Cursor is the server's current event cursor.
	Cursor prometheus.Gauge

	// Presence is the number of connected realtime observers.
	Presence prometheus.Gauge

	// BroadcastDropped counts messages skipped for a non-writable observer.
	BroadcastDropped prometheus.Counter

	// SyncCycles counts client sync cycles by outcome.
	SyncCycles *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OpsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "server",
				Name:      "ops_applied_total",
				Help:      "Operations applied, by type",
			},
			[]string{"type"},
		),
		OpsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "server",
				Name:      "ops_skipped_total",
				Help:      "Operations acknowledged without being applied, by reason",
			},
			[]string{"reason"},
		),
		BatchesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "batches_rejected_total",
			Help:      "Sync batches aborted by a validation error",
		}),
		Cursor: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "cursor",
			Help:      "Current event log cursor",
		}),
		Presence: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "observers",
			Help:      "Connected realtime observers",
		}),
		BroadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "realtime",
			Name:      "broadcast_dropped_total",
			Help:      "Messages skipped because an observer was not writable",
		}),
		SyncCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "client",
				Name:      "sync_cycles_total",
				Help:      "Client sync cycles, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// RecordApplied notes a newly applied operation and the cursor it produced.
func (m *Metrics) RecordApplied(opType string, cursor int64) {
	if m == nil {
		return
	}
	m.OpsApplied.WithLabelValues(opType).Inc()
	m.Cursor.Set(float64(cursor))
}

// RecordSkipped notes an operation acknowledged without being applied.
func (m *Metrics) RecordSkipped(reason string) {
	if m == nil {
		return
	}
	m.OpsSkipped.WithLabelValues(reason).Inc()
}

// RecordRejected notes a batch aborted by validation.
func (m *Metrics) RecordRejected() {
	if m == nil {
		return
	}
	m.BatchesRejected.Inc()
}

// SetCursor sets the cursor gauge.
func (m *Metrics) SetCursor(cursor int64) {
	if m == nil {
		return
	}
	m.Cursor.Set(float64(cursor))
}

// SetPresence sets the observer gauge.
func (m *Metrics) SetPresence(n int) {
	if m == nil {
		return
	}
	m.Presence.Set(float64(n))
}

// RecordDropped notes a message skipped for one observer.
func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.BroadcastDropped.Inc()
}

// RecordSync notes a finished client sync cycle.
func (m *Metrics) RecordSync(err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.SyncCycles.WithLabelValues(outcome).Inc()
}
