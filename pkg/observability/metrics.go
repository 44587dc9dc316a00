// Package observability defines the Prometheus metrics exposed on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbesTotal counts completed probes by endpoint kind and outcome.
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelcheck_probes_total",
		Help: "Total number of completed probes",
	}, []string{"kind", "status"})

	// ProbeDurationSeconds tracks upstream probe latency.
	ProbeDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modelcheck_probe_duration_seconds",
		Help:    "Latency of upstream probes",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ProbesInFlight tracks probes currently executing against upstreams.
	ProbesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modelcheck_probes_in_flight",
		Help: "Number of probes currently executing",
	})

	// AdmissionWaitSeconds tracks how long jobs wait for admission slots.
	AdmissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "modelcheck_admission_wait_seconds",
		Help:    "Time spent waiting for global and per-channel admission slots",
		Buckets: prometheus.DefBuckets,
	})

	// QueueDepth tracks the number of jobs per queue state.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelcheck_queue_depth",
		Help: "Current number of jobs per queue state",
	}, []string{"state"})

	// DetectionRuns counts detection batches by trigger scope.
	DetectionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelcheck_detection_runs_total",
		Help: "Total number of detection batches enqueued",
	}, []string{"scope"})
)
