// Package metrics defines the operator's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reconcile outcomes reported on the reconcile counter.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Recorder owns the operator metric registry. A nil *Recorder is valid
// and records nothing, which keeps tests free of registry bookkeeping.
type Recorder struct {
	registry *prometheus.Registry

	reconcileTotal    *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	workspacesByPhase *prometheus.GaugeVec
	authFailures      prometheus.Counter
	idleShutdowns     prometheus.Counter
}

// NewRecorder builds a Recorder with its own registry, including the
// standard process and Go runtime collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		reconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kube_workspace_reconcile_total",
				Help: "Total reconciliation operations by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kube_workspace_reconcile_duration_seconds",
				Help:    "Latency of reconciliation operations in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		workspacesByPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kube_workspace_workspaces",
				Help: "Number of workspace pods by observed phase.",
			},
			[]string{"phase"},
		),
		authFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kube_workspace_auth_failures_total",
				Help: "Total rejected authentication attempts.",
			},
		),
		idleShutdowns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kube_workspace_idle_shutdowns_total",
				Help: "Total workspaces stopped by the activity monitor.",
			},
		),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.reconcileTotal,
		r.reconcileDuration,
		r.workspacesByPhase,
		r.authFailures,
		r.idleShutdowns,
	)
	return r
}

// Handler serves the registry for scraping.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveReconcile records one reconciliation operation.
func (r *Recorder) ObserveReconcile(operation, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.reconcileTotal.WithLabelValues(operation, outcome).Inc()
	r.reconcileDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// SetWorkspacePhaseCount reports the number of workspaces observed in a
// phase during a monitor sweep.
func (r *Recorder) SetWorkspacePhaseCount(phase string, count int) {
	if r == nil {
		return
	}
	r.workspacesByPhase.WithLabelValues(phase).Set(float64(count))
}

// AuthFailure records a rejected authentication attempt.
func (r *Recorder) AuthFailure() {
	if r == nil {
		return
	}
	r.authFailures.Inc()
}

// IdleShutdown records a monitor-initiated workspace stop.
func (r *Recorder) IdleShutdown() {
	if r == nil {
		return
	}
	r.idleShutdowns.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}
