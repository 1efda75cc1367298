// Package metrics exposes the engine's internal counters and gauges via
// Prometheus, mirroring the label shapes and promauto idiom the rest of the
// stack uses for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of ready descriptors sitting in a named
	// worker queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskengine_queue_depth",
		Help: "Current number of ready task descriptors in a worker queue",
	}, []string{"queue"})

	// WorkerSaturation is registered for the ratio of busy workers to
	// MaxDegreeOfParallelism per queue; no package of the engine sets it, so
	// it stays at zero.
	WorkerSaturation = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskengine_worker_saturation",
		Help: "Ratio of active handler invocations to configured concurrency",
	}, []string{"queue"})

	// DispatchDecisions counts dispatch routing outcomes.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskengine_dispatch_decisions_total",
		Help: "Total dispatch routing decisions by outcome",
	}, []string{"decision"}) // queued, queued_fallback, queue_full

	// TaskAttempts counts handler invocation attempts by outcome.
	TaskAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskengine_task_attempts_total",
		Help: "Total handler invocation attempts by outcome",
	}, []string{"queue", "outcome"}) // completed, failed, cancelled, service_stopped

	// TaskDuration tracks wall-clock time spent inside a single handler
	// attempt.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskengine_task_duration_seconds",
		Help:    "Duration of a single handler invocation attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// SchedulerPending tracks the number of not-yet-due entries held in
	// each scheduler shard, labelled by shard index.
	SchedulerPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskengine_scheduler_pending",
		Help: "Not-yet-due tasks held in a scheduler shard",
	}, []string{"shard"})

	// RecoveryPagesLoaded counts pages read by the recovery loop at startup.
	RecoveryPagesLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskengine_recovery_pages_loaded_total",
		Help: "Pages of unfinished tasks loaded by the recovery loop",
	})

	// RecoveryTasksRedispatched counts tasks the recovery loop handed back to
	// the queue manager or scheduler.
	RecoveryTasksRedispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskengine_recovery_tasks_redispatched_total",
		Help: "Unfinished tasks re-dispatched by the recovery loop",
	})

	// EventPublishFailures counts best-effort event emission failures, which
	// never affect task execution.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskengine_event_publish_failures_total",
		Help: "Failed, non-blocking event publish attempts",
	}, []string{"severity"})
)
