// Package metrics holds the Prometheus collectors of the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsAcquired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmdclaw_sessions_acquired_total",
		Help: "Sessions handed out by the session manager, by outcome (reused, provisioned, error).",
	}, []string{"outcome"})

	ProvisionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cmdclaw_sandbox_provision_duration_seconds",
		Help:    "Time from sandbox create until the agent server is ready.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"provider"})

	GateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmdclaw_gate_requests_total",
		Help: "Approval and auth round trips handled by the control plane.",
	}, []string{"kind", "outcome"})

	ReconcilerCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmdclaw_reconciler_corrections_total",
		Help: "Run status corrections applied by the reconciler, by reason.",
	}, []string{"reason"})

	QueueJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmdclaw_queue_jobs_total",
		Help: "Background jobs processed by the queue, by outcome.",
	}, []string{"outcome"})

	GenerationsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmdclaw_generations_finished_total",
		Help: "Generations that reached a terminal status.",
	}, []string{"status"})
)
