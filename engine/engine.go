// Package engine wires the dispatcher, scheduler, queue manager and
// worker executors into a single runnable Service, and owns the
// recovery loop that runs once at startup.
package engine

import (
	"context"
	"log"
	"time"

	"github.com/runloom/taskengine/dispatcher"
	"github.com/runloom/taskengine/events"
	"github.com/runloom/taskengine/metrics"
	"github.com/runloom/taskengine/queue"
	"github.com/runloom/taskengine/recurring"
	"github.com/runloom/taskengine/registry"
	"github.com/runloom/taskengine/retry"
	"github.com/runloom/taskengine/scheduler"
	"github.com/runloom/taskengine/store"
	"github.com/runloom/taskengine/taskcancel"
	"github.com/runloom/taskengine/worker"
)

// Config assembles a Service. The embedding application builds one
// programmatically; there is no file-based loader here, since this is a
// library, not a standalone process.
type Config struct {
	Storage  store.Storage
	Registry *registry.Registry

	Queues []queue.Config

	ShardCount int

	DefaultRetryPolicy retry.Policy
	DefaultTimeout     time.Duration

	Publisher events.Publisher

	// IdempotencyCache, if set, accelerates TaskKey lookups on the dispatch
	// hot path. See dispatcher.Dispatcher.IdempotencyCache.
	IdempotencyCache store.IdempotencyBackend

	// ShutdownGracePeriod bounds how long Shutdown waits for in-flight
	// tasks to observe cancellation before returning. Zero or negative
	// selects the default of 30 seconds.
	ShutdownGracePeriod time.Duration

	// RecoveryPageSize controls how many tasks RetrievePending returns per
	// page during startup recovery.
	RecoveryPageSize int
}

func (c *Config) setDefaults() {
	if c.DefaultRetryPolicy == nil {
		c.DefaultRetryPolicy = retry.NewLinearRetryPolicy(1, 0)
	}
	if c.Publisher == nil {
		c.Publisher = events.NoopPublisher{}
	}
	if c.RecoveryPageSize <= 0 {
		c.RecoveryPageSize = 100
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = 30 * time.Second
	}
}

// Service is the running engine: one Dispatcher, one Scheduler, a queue
// manager, and one Executor per configured queue.
type Service struct {
	cfg Config

	queues         *queue.Manager
	sched          *scheduler.Scheduler
	dispatch       *dispatcher.Dispatcher
	cancelRegistry *taskcancel.Registry
	blacklist      *taskcancel.Blacklist
	executors      []*worker.Executor

	rootCtx context.Context
	cancel  context.CancelFunc
}

// New assembles a Service but does not start it: call Start to launch
// worker goroutines and run recovery.
func New(cfg Config) (*Service, error) {
	cfg.setDefaults()

	qm, err := queue.NewManager(cfg.Queues)
	if err != nil {
		return nil, err
	}

	cancelRegistry := taskcancel.NewRegistry()
	blacklist := taskcancel.NewBlacklist()

	svc := &Service{
		cfg:            cfg,
		queues:         qm,
		cancelRegistry: cancelRegistry,
		blacklist:      blacklist,
	}

	svc.sched = scheduler.New(cfg.ShardCount, svc.dispatchDueEntry)
	svc.dispatch = dispatcher.New(cfg.Storage, cfg.Registry, svc.sched, qm, cancelRegistry, blacklist)
	if cfg.IdempotencyCache != nil {
		svc.dispatch.WithIdempotencyCache(cfg.IdempotencyCache)
	}

	for _, q := range qm.Queues() {
		exec := worker.New(q, worker.Config{
			Storage:            cfg.Storage,
			Registry:           cfg.Registry,
			CancelRegistry:     cancelRegistry,
			Blacklist:          blacklist,
			Publisher:          cfg.Publisher,
			DefaultRetryPolicy: cfg.DefaultRetryPolicy,
			DefaultTimeout:     cfg.DefaultTimeout,
			Reschedule:         svc.reschedule,
		})
		svc.executors = append(svc.executors, exec)
	}

	return svc, nil
}

// dispatchDueEntry is the scheduler's Dispatch callback: route a now-due
// entry to its queue, honoring the blacklist exactly as a fresh dispatch
// would.
func (s *Service) dispatchDueEntry(ctx context.Context, e scheduler.Entry) error {
	if s.blacklist.Contains(e.TaskId) {
		_ = s.cfg.Storage.SetCancelledByUser(ctx, e.TaskId, "blacklisted before scheduled release")
		return nil
	}
	if err := s.queues.TryEnqueue(ctx, e.QueueName, &queue.TaskDescriptor{TaskId: e.TaskId, QueueName: e.QueueName}); err != nil {
		return err
	}
	return s.cfg.Storage.SetQueued(ctx, e.TaskId)
}

// reschedule is the executor's hook for a recurring task's next
// occurrence: hand it back to the scheduler exactly as dispatchDueEntry
// would receive it later.
func (s *Service) reschedule(taskId, queueName string, due time.Time) {
	s.sched.Schedule(taskId, queueName, due)
}

// Start runs recovery, then launches every queue's executor goroutines.
// rootCtx is the service-wide context: cancelling it (directly, or via
// Shutdown) broadcasts to every in-flight task.
func (s *Service) Start(rootCtx context.Context) error {
	s.rootCtx, s.cancel = context.WithCancel(rootCtx)

	if err := s.recover(s.rootCtx); err != nil {
		return err
	}
	for _, exec := range s.executors {
		exec.Start(s.rootCtx)
	}
	return nil
}

// recover reloads recovery-eligible tasks left over from a prior process,
// ordered by (CreatedAtUtc, Id), and routes each exactly as a fresh
// dispatch would: to the scheduler if its due time lies in the future, to
// the queue manager otherwise. A recurring task whose next occurrence has
// already elapsed has its missed occurrences recorded (recordSkippedOccurrences)
// rather than replayed; only the next future occurrence is scheduled.
func (s *Service) recover(ctx context.Context) error {
	var lastCreatedAt time.Time
	var lastId string

	for {
		page, err := s.cfg.Storage.RetrievePending(ctx, lastCreatedAt, lastId, s.cfg.RecoveryPageSize)
		if err != nil {
			return err
		}
		metrics.RecoveryPagesLoaded.Inc()

		for _, task := range page.Tasks {
			s.recoverOne(ctx, task)
		}

		if !page.HasMore || len(page.Tasks) == 0 {
			return nil
		}
		last := page.Tasks[len(page.Tasks)-1]
		lastCreatedAt, lastId = last.CreatedAtUtc, last.Id
	}
}

func (s *Service) recoverOne(ctx context.Context, task *store.PersistedTask) {
	if task.MaxRuns > 0 && task.CurrentRunCount >= task.MaxRuns {
		return
	}
	if task.RunUntilUtc != nil && time.Now().UTC().After(*task.RunUntilUtc) {
		return
	}

	now := time.Now().UTC()
	due := now
	if task.ScheduledExecutionUtc != nil && task.ScheduledExecutionUtc.After(due) {
		due = *task.ScheduledExecutionUtc
	}
	if task.NextRunUtc != nil && task.NextRunUtc.After(now) {
		due = *task.NextRunUtc
	}

	if task.IsRecurring && len(task.RecurringSpec) > 0 && task.NextRunUtc != nil && task.NextRunUtc.Before(now) {
		next, ok := s.recordSkippedOccurrences(ctx, task, *task.NextRunUtc, now)
		if !ok {
			// Bounds exhausted partway through the skipped occurrences:
			// record them, but there is no further run to recover.
			if err := s.cfg.Storage.SetStatus(ctx, task.Id, store.StatusCompleted, ""); err != nil {
				log.Printf("[engine] recovery: SetStatus(%s, Completed): %v", task.Id, err)
			}
			return
		}
		due = next
	}

	if due.After(now) {
		s.sched.Schedule(task.Id, task.QueueName, due)
		metrics.RecoveryTasksRedispatched.Inc()
		return
	}

	if err := s.queues.TryEnqueue(ctx, task.QueueName, &queue.TaskDescriptor{
		TaskId: task.Id, RequestTypeName: task.RequestTypeName, QueueName: task.QueueName,
	}); err != nil {
		log.Printf("[engine] recovery: enqueue %s: %v", task.Id, err)
		return
	}
	if err := s.cfg.Storage.SetQueued(ctx, task.Id); err != nil {
		log.Printf("[engine] recovery: SetQueued(%s): %v", task.Id, err)
	}
	metrics.RecoveryTasksRedispatched.Inc()
}

// recordSkippedOccurrences walks a recurring task's schedule forward from
// lastDue, one occurrence at a time, recording every one that already
// elapsed before now so Storage.RecordSkippedOccurrences can account for
// them instead of silently collapsing a downtime's worth of missed runs
// into a single due-now execution. Returns the next occurrence at or after
// now, or ok=false if the spec's bounds (MaxRuns/RunUntilUtc) were
// exhausted by one of the skipped occurrences.
func (s *Service) recordSkippedOccurrences(ctx context.Context, task *store.PersistedTask, lastDue, now time.Time) (time.Time, bool) {
	spec, err := recurring.Decode(task.RecurringSpec)
	if err != nil {
		log.Printf("[engine] recovery: decode recurring spec for %s: %v", task.Id, err)
		return lastDue, true
	}

	var skipped []time.Time
	cursor, runCount := lastDue, task.CurrentRunCount
	for {
		next, ok := spec.CalculateNextRun(cursor, runCount)
		if ok && next.Before(now) {
			skipped = append(skipped, next)
			cursor, runCount = next, runCount+1
			continue
		}

		if len(skipped) > 0 {
			if err := s.cfg.Storage.RecordSkippedOccurrences(ctx, task.Id, skipped); err != nil {
				log.Printf("[engine] recovery: RecordSkippedOccurrences(%s): %v", task.Id, err)
			}
		}
		return next, ok
	}
}

// Shutdown cancels the service-wide context, broadcasting cancellation to
// every in-flight task, and waits up to ShutdownGracePeriod for workers to
// drain before returning.
func (s *Service) Shutdown(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	grace, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGracePeriod)
	defer cancel()
	for _, exec := range s.executors {
		exec.Stop(grace)
	}
	s.sched.Stop()
	_ = s.cfg.Publisher.Close()
}

// Dispatch submits req for execution. See dispatcher.Dispatch for the
// option set.
func Dispatch[Req any](ctx context.Context, s *Service, req Req, opts ...dispatcher.Option) (string, error) {
	return dispatcher.Dispatch(ctx, s.dispatch, req, opts...)
}

// Cancel requests cancellation of taskId. See dispatcher.Dispatcher.Cancel.
func (s *Service) Cancel(ctx context.Context, taskId string) (bool, error) {
	return s.dispatch.Cancel(ctx, taskId)
}
