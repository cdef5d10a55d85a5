// Package metrics defines the prometheus/client_golang gauges and
// counters the broker exposes at /metrics, grounded on the teacher's
// pkg/metrics package (one package-level registry, metrics registered at
// package init, helper values for hot-path call sites).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueClaims counts tasks claimed, cumulative across all managers.
	QueueClaims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qcbroker",
		Subsystem: "queue",
		Name:      "claims_total",
		Help:      "Total number of tasks claimed by managers.",
	})

	// QueueReturnsRejected counts returns from a manager not holding the
	// lease (spec.md §4.3: "rejected and counted (metric)").
	QueueReturnsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qcbroker",
		Subsystem: "queue",
		Name:      "returns_rejected_total",
		Help:      "Total number of manager returns rejected for not holding the task's lease.",
	})

	// QueueDepth is a gauge snapshotted by the Internal Job Runner's stats
	// tick (spec.md §4.6).
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qcbroker",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of queued (unclaimed or claimed but not yet returned) tasks.",
	})

	// RecordsByStatus is a gauge vector snapshotted by the stats tick.
	RecordsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "qcbroker",
		Subsystem: "records",
		Name:      "count",
		Help:      "Current number of records in each status.",
	}, []string{"status"})

	// ManagersActive is a gauge of currently active managers.
	ManagersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qcbroker",
		Subsystem: "managers",
		Name:      "active",
		Help:      "Current number of active managers.",
	})

	// ManagersReaped counts managers marked inactive by the reaper.
	ManagersReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qcbroker",
		Subsystem: "managers",
		Name:      "reaped_total",
		Help:      "Total number of managers marked inactive for a missed heartbeat.",
	})

	// ServiceIterations counts Service Engine driver iterations.
	ServiceIterations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qcbroker",
		Subsystem: "serviceengine",
		Name:      "iterations_total",
		Help:      "Total number of service iterate() calls executed.",
	})

	// AutoResets counts auto-reset transitions applied by the runner.
	AutoResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qcbroker",
		Subsystem: "records",
		Name:      "auto_resets_total",
		Help:      "Total number of error records auto-reset to waiting.",
	})

	// HostCPUPercent and HostMemPercent are gopsutil-sourced host stats
	// (SPEC_FULL.md §B) snapshotted on each runner tick.
	HostCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qcbroker",
		Subsystem: "host",
		Name:      "cpu_percent",
		Help:      "Host CPU utilization percent, sampled each runner tick.",
	})
	HostMemPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qcbroker",
		Subsystem: "host",
		Name:      "mem_percent",
		Help:      "Host memory utilization percent, sampled each runner tick.",
	})

	// HTTPRequestsTotal and HTTPRequestDuration instrument internal/httpapi,
	// grounded on the teacher's infrastructure/metrics.Metrics.RecordHTTPRequest
	// (method/path-template/status labels).
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcbroker",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests served, labeled by method/route/status.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qcbroker",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds, labeled by method/route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)
