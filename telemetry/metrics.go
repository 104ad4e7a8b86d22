package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters/histograms for the engine's own operational surface.
// spec.md §1 keeps dashboard-side aggregation formulas out of this core's
// scope, but still expects an exposable shape for operators — this mirrors
// the promauto pattern the sibling Bitcoin-Sprint example uses for its own
// engine metrics. The collectors are registered at package init; no code in
// this module increments or observes them.
var (
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stableinfra_attempts_total",
		Help: "Attempt Loop executions by classification.",
	}, []string{"operation", "classification"})

	AttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "stableinfra_attempt_duration_seconds",
		Help: "Attempt execution time in seconds.",
	}, []string{"operation"})

	PolicyAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stableinfra_policy_admissions_total",
		Help: "Policy unit admit/reject decisions.",
	}, []string{"policy", "key", "decision"})

	GatewayItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stableinfra_gateway_items_total",
		Help: "Gateway Executor items processed by outcome.",
	}, []string{"group", "success"})

	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "stableinfra_phase_duration_seconds",
		Help: "Workflow phase execution time in seconds.",
	}, []string{"workflow", "phase"})
)

// ServeMetrics exposes /metrics and /healthz on addr. It is never started
// automatically; callers opt in explicitly, mirroring the sibling example's
// StartMetricsServer helper.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return http.ListenAndServe(addr, mux)
}
