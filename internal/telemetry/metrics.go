package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for the cron-trigger and
// read-only admin surfaces.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "socialpub",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// PostsPublishedTotal counts schedules successfully posted to the Platform.
var PostsPublishedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "socialpub",
		Subsystem: "publisher",
		Name:      "posts_published_total",
		Help:      "Total number of schedules successfully posted to the Platform.",
	},
)

// PostsFailedTotal counts schedules that failed an attempt, by reason.
var PostsFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "socialpub",
		Subsystem: "publisher",
		Name:      "posts_failed_total",
		Help:      "Total number of failed publish attempts, by reason.",
	},
	[]string{"reason"},
)

// PostsBlockedTotal counts schedules blocked permanently, by reason.
var PostsBlockedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "socialpub",
		Subsystem: "publisher",
		Name:      "posts_blocked_total",
		Help:      "Total number of schedules blocked, by reason.",
	},
	[]string{"reason"},
)

// SchedulesRescheduledTotal counts schedules pushed back by the min-interval
// pacing check.
var SchedulesRescheduledTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "socialpub",
		Subsystem: "publisher",
		Name:      "schedules_rescheduled_total",
		Help:      "Total number of schedules rescheduled for pacing.",
	},
)

// CycleDuration tracks how long each RunCycle invocation takes.
var CycleDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "socialpub",
		Subsystem: "publisher",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a single publisher cycle invocation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
)

// DispatchCreatedTotal counts schedules inserted by the Dispatch Planner.
var DispatchCreatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "socialpub",
		Subsystem: "dispatch",
		Name:      "created_total",
		Help:      "Total number of schedules created by the dispatch planner.",
	},
)

// RateLimitRemaining reports the most recently observed rate-limit headroom
// per account and endpoint.
var RateLimitRemaining = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "socialpub",
		Subsystem: "platform",
		Name:      "rate_limit_remaining",
		Help:      "Most recently observed remaining requests before the Platform rate limit resets.",
	},
	[]string{"account_id", "endpoint"},
)

// All returns the socialpub-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		PostsPublishedTotal,
		PostsFailedTotal,
		PostsBlockedTotal,
		SchedulesRescheduledTotal,
		CycleDuration,
		DispatchCreatedTotal,
		RateLimitRemaining,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
