// Package metrics holds the Prometheus collectors for engine outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wiki"

// Lease acquisition results.
const (
	LeaseGranted  = "granted"
	LeaseRenewed  = "renewed"
	LeaseHeld     = "held"
	LeaseReleased = "released"
	LeaseError    = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	// revisions counts appended revisions.
	// Labels: edit_type (create, edit, revert, protect, move)
	revisions *prometheus.CounterVec

	// submissions counts queued submissions.
	// Labels: type (create, edit)
	submissions *prometheus.CounterVec

	// decisions counts review outcomes.
	// Labels: decision (approve, reject, hold, unhold), outcome (ok, conflict, invalid_state, denied, error)
	decisions *prometheus.CounterVec

	// revisionConflicts counts stale writes caught at commit time.
	// Labels: path (direct, approval, submit)
	revisionConflicts *prometheus.CounterVec

	// leases counts lease operations by result.
	leases *prometheus.CounterVec

	// operationLatency measures Service operations.
	// Labels: operation
	operationLatency *prometheus.HistogramVec
}

// New registers the collectors on a private registry along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		revisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revisions",
			Name:      "appended_total",
			Help:      "Revisions appended to page histories",
		}, []string{"edit_type"}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submissions",
			Name:      "created_total",
			Help:      "Submissions queued for review",
		}, []string{"type"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submissions",
			Name:      "decisions_total",
			Help:      "Review decisions by outcome",
		}, []string{"decision", "outcome"}),
		revisionConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revisions",
			Name:      "conflicts_total",
			Help:      "Writes rejected because the page head moved",
		}, []string{"path"}),
		leases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "operations_total",
			Help:      "Edit lease operations by result",
		}, []string{"result"}),
		operationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Service operation latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
	}
}

// The recorders are safe on a nil *Metrics so callers can run without them.

func (m *Metrics) RevisionAppended(editType string) {
	if m == nil {
		return
	}
	m.revisions.WithLabelValues(editType).Inc()
}

func (m *Metrics) SubmissionCreated(subType string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(subType).Inc()
}

func (m *Metrics) Decision(decision, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision, outcome).Inc()
}

func (m *Metrics) RevisionConflict(path string) {
	if m == nil {
		return
	}
	m.revisionConflicts.WithLabelValues(path).Inc()
}

func (m *Metrics) Lease(result string) {
	if m == nil {
		return
	}
	m.leases.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveOperation(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.operationLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
