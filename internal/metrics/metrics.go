// Package metrics exposes the broker's Prometheus instrumentation.
// Everything is registered on the default registry and served by the
// API server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_jobs_submitted_total",
		Help: "Jobs accepted into the queue.",
	})

	JobsMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_jobs_matched_total",
		Help: "Job-host pairings applied by the scheduler.",
	})

	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_jobs_completed_total",
		Help: "Jobs that finished successfully.",
	})

	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_jobs_failed_total",
		Help: "Jobs that reached the failed state.",
	})

	JobsRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_jobs_requeued_total",
		Help: "Jobs sent back to pending after losing their host.",
	}, []string{"reason"})

	JobsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_jobs_cancelled_total",
		Help: "Jobs cancelled by their renter.",
	})

	JobsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_jobs",
		Help: "Current jobs by status.",
	}, []string{"status"})

	HostsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broker_hosts",
		Help: "Current hosts by status.",
	}, []string{"status"})

	HostsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_hosts_expired_total",
		Help: "Hosts marked offline after missing their heartbeat window.",
	})

	MatchCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "broker_match_cycle_seconds",
		Help:    "Duration of one matching cycle.",
		Buckets: prometheus.DefBuckets,
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_events_published_total",
		Help: "Events published on the bus.",
	}, []string{"type"})
)
