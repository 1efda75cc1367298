// Package worker drives handler invocations off a single queue: up to
// MaxDegreeOfParallelism concurrent goroutines, each running the full
// dequeue -> invoke -> status/audit/event lifecycle.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/runloom/taskengine/events"
	"github.com/runloom/taskengine/metrics"
	"github.com/runloom/taskengine/queue"
	"github.com/runloom/taskengine/recurring"
	"github.com/runloom/taskengine/registry"
	"github.com/runloom/taskengine/retry"
	"github.com/runloom/taskengine/store"
	"github.com/runloom/taskengine/taskcancel"
)

// Reschedule hands a recurring task's next occurrence back to the
// scheduler. The engine wires this to scheduler.Scheduler.Schedule.
type Reschedule func(taskId, queueName string, due time.Time)

// Config bundles what an Executor needs beyond the queue it drains.
type Config struct {
	Storage        store.Storage
	Registry       *registry.Registry
	CancelRegistry *taskcancel.Registry
	Blacklist      *taskcancel.Blacklist
	Publisher      events.Publisher

	// DefaultRetryPolicy drives every task this executor runs; handlers
	// and queues have no retry policy of their own.
	DefaultRetryPolicy retry.Policy
	// DefaultTimeout bounds a task's whole execution, all retry attempts
	// and the waits between them together. It applies to every task; there
	// is no per-task, per-handler or per-queue timeout. Zero disables the
	// bound.
	DefaultTimeout time.Duration

	Reschedule Reschedule
}

// Executor runs handler invocations for a single WorkerQueue.
type Executor struct {
	queue  *queue.WorkerQueue
	cfg    Config
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds an Executor bound to q. It does not start running until
// Start is called.
func New(q *queue.WorkerQueue, cfg Config) *Executor {
	return &Executor{queue: q, cfg: cfg}
}

// Start launches MaxDegreeOfParallelism worker goroutines. rootCtx is the
// service-wide context every per-task context derives from: cancelling it
// broadcasts shutdown to every in-flight task without the executor having
// to iterate a registry.
func (e *Executor) Start(rootCtx context.Context) {
	workerCtx, cancel := context.WithCancel(rootCtx)
	e.cancel = cancel

	n := e.queue.MaxDegreeOfParallelism()
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		e.wg.Add(1)
		go e.loop(workerCtx)
	}
}

// Stop signals every worker goroutine to exit after its current iteration
// and waits for them, up to ctx's deadline.
func (e *Executor) Stop(ctx context.Context) {
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[worker:%s] shutdown grace period elapsed with workers still draining", e.queue.Name())
	}
}

func (e *Executor) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		descriptor, err := e.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		e.runOne(ctx, descriptor)
	}
}

// runOne executes the 11-step lifecycle for a single dequeued descriptor.
func (e *Executor) runOne(rootCtx context.Context, d *queue.TaskDescriptor) {
	ctx := context.Background()
	taskId := d.TaskId

	// 1. Blacklist check.
	if e.cfg.Blacklist.Contains(taskId) {
		_ = e.cfg.Storage.SetCancelledByUser(ctx, taskId, "blacklisted before execution")
		events.Emit(e.cfg.Publisher, events.Event{
			TaskId: taskId, EventDateUtc: time.Now().UTC(), Severity: events.SeverityWarning,
			Message: "task skipped: blacklisted before execution",
		})
		return
	}

	// 2. Transition InProgress.
	if err := e.cfg.Storage.SetInProgress(ctx, taskId); err != nil {
		log.Printf("[worker:%s] SetInProgress(%s): %v", e.queue.Name(), taskId, err)
		return
	}
	task, err := e.cfg.Storage.GetByID(ctx, taskId)
	if err != nil {
		log.Printf("[worker:%s] GetByID(%s): %v", e.queue.Name(), taskId, err)
		return
	}
	events.Emit(e.cfg.Publisher, events.Event{
		TaskId: taskId, EventDateUtc: time.Now().UTC(), Severity: events.SeverityInformation,
		TaskType: task.RequestTypeName, TaskHandlerType: task.HandlerTypeName, Message: "task started",
		TaskParameters: task.RequestPayload,
	})

	// 3. Resolve handler and bind it to this task's decoded payload: one
	// handler instance carries Invoke/OnStarted/OnRetry/OnCompleted/OnError
	// /Dispose, so state acquired in Handle (a connection, a file, a
	// goroutine) is visible to this same task's Dispose.
	entry, ok := e.cfg.Registry.Resolve(task.RequestTypeName)
	if !ok {
		msg := fmt.Sprintf("no handler registered for request type %q", task.RequestTypeName)
		_ = e.cfg.Storage.SetFailed(ctx, taskId, msg, 0)
		events.Emit(e.cfg.Publisher, events.Event{
			TaskId: taskId, EventDateUtc: time.Now().UTC(), Severity: events.SeverityError, Message: msg,
			TaskParameters: task.RequestPayload,
		})
		return
	}
	inst, err := entry.Bind(task.RequestPayload)
	if err != nil {
		msg := fmt.Sprintf("decode request for %s: %v", task.RequestTypeName, err)
		_ = e.cfg.Storage.SetFailed(ctx, taskId, msg, 0)
		events.Emit(e.cfg.Publisher, events.Event{
			TaskId: taskId, EventDateUtc: time.Now().UTC(), Severity: events.SeverityError, Message: msg,
			TaskType: task.RequestTypeName, TaskHandlerType: task.HandlerTypeName, TaskParameters: task.RequestPayload,
		})
		return
	}

	// 4. Cancellation source: service shutdown (rootCtx) + optional
	// timeout + user cancel (registered by taskId).
	timeout := e.cfg.DefaultTimeout
	taskCtx := rootCtx
	var timeoutCancel context.CancelFunc
	if timeout > 0 {
		taskCtx, timeoutCancel = context.WithTimeout(taskCtx, timeout)
		defer timeoutCancel()
	}
	taskCtx, userCancel := context.WithCancel(taskCtx)
	done := e.cfg.CancelRegistry.Register(taskId, userCancel)
	defer done()

	// 5. OnStarted.
	if err := inst.OnStarted(taskCtx, taskId); err != nil {
		log.Printf("[worker:%s] OnStarted(%s) error (swallowed): %v", e.queue.Name(), taskId, err)
	}

	// 6. Run handler under retry policy.
	policy := e.cfg.DefaultRetryPolicy
	start := time.Now()
	runErr := policy.Execute(taskCtx, func(ctx context.Context) error {
		return inst.Invoke(ctx)
	}, func(attempt int, attemptErr error, delay time.Duration) {
		if err := inst.OnRetry(taskCtx, taskId, attempt, attemptErr, delay.Milliseconds()); err != nil {
			log.Printf("[worker:%s] OnRetry(%s) error (swallowed): %v", e.queue.Name(), taskId, err)
		}
		events.Emit(e.cfg.Publisher, events.Event{
			TaskId: taskId, EventDateUtc: time.Now().UTC(), Severity: events.SeverityWarning,
			TaskType: task.RequestTypeName, TaskHandlerType: task.HandlerTypeName,
			Message: fmt.Sprintf("retry %d after error: %v", attempt, attemptErr),
			TaskParameters: task.RequestPayload,
		})
	})
	durationMs := time.Since(start).Milliseconds()
	metrics.TaskDuration.WithLabelValues(e.queue.Name()).Observe(time.Since(start).Seconds())

	// 11 (deferred): always dispose.
	defer func() {
		if err := inst.Dispose(); err != nil {
			log.Printf("[worker:%s] Dispose(%s) error (swallowed): %v", e.queue.Name(), taskId, err)
		}
	}()

	switch {
	case runErr == nil:
		e.onSuccess(taskCtx, task, inst, durationMs)

	default:
		switch reason := e.resolveCancelReason(taskId, rootCtx, taskCtx); reason {
		case taskcancel.ReasonServiceStopped:
			e.onServiceStopped(task, inst)
		case taskcancel.ReasonUser, taskcancel.ReasonTimeout:
			e.onCancelled(taskCtx, task, inst, runErr, reason)
		default:
			e.onFailure(taskCtx, task, inst, runErr, durationMs)
		}
	}
}

// resolveCancelReason tags taskId's cancellation source with why it fired
// (service shutdown or this task's own timeout elapsing) before reading it
// back from the cancellation registry, so a user Cancel call -- already
// tagged ReasonUser by Dispatcher.Cancel -- and these two in-executor causes
// share one lookup instead of the caller re-deriving the cause from ctx.Err.
// Returns "" if runErr was a genuine handler error, not a cancellation.
func (e *Executor) resolveCancelReason(taskId string, rootCtx, taskCtx context.Context) taskcancel.Reason {
	switch {
	case rootCtx.Err() != nil:
		e.cfg.CancelRegistry.Cancel(taskId, taskcancel.ReasonServiceStopped)
	case taskCtx.Err() == context.DeadlineExceeded:
		e.cfg.CancelRegistry.Cancel(taskId, taskcancel.ReasonTimeout)
	}
	reason, _ := e.cfg.CancelRegistry.Reason(taskId)
	return reason
}

func (e *Executor) onSuccess(ctx context.Context, task *store.PersistedTask, inst *registry.Instance, durationMs int64) {
	if err := inst.OnCompleted(ctx, task.Id); err != nil {
		log.Printf("[worker] OnCompleted(%s) error (swallowed): %v", task.Id, err)
	}

	if next, ok := e.nextRecurringRun(task); ok {
		if err := e.cfg.Storage.UpdateCurrentRun(context.Background(), task.Id, store.StatusCompleted, "", durationMs, &next); err != nil {
			log.Printf("[worker] UpdateCurrentRun(%s): %v", task.Id, err)
		}
		if err := e.cfg.Storage.SetQueued(context.Background(), task.Id); err != nil {
			log.Printf("[worker] SetQueued(%s) for recurring reschedule: %v", task.Id, err)
		}
		e.cfg.Reschedule(task.Id, task.QueueName, next)
		metrics.TaskAttempts.WithLabelValues(e.queue.Name(), "completed").Inc()
	} else if task.IsRecurring {
		// Bounds exhausted: record the final run and clear NextRunUtc (a
		// non-nil zero time means "no further run", per the storage
		// contract) in one UpdateCurrentRun call, rather than going through
		// SetCompleted (which would call UpdateCurrentRun a second time and
		// double-count this run).
		if err := e.cfg.Storage.SetStatus(context.Background(), task.Id, store.StatusCompleted, ""); err != nil {
			log.Printf("[worker] SetStatus(%s, Completed): %v", task.Id, err)
		}
		var noNextRun time.Time
		if err := e.cfg.Storage.UpdateCurrentRun(context.Background(), task.Id, store.StatusCompleted, "", durationMs, &noNextRun); err != nil {
			log.Printf("[worker] UpdateCurrentRun(%s): %v", task.Id, err)
		}
		metrics.TaskAttempts.WithLabelValues(e.queue.Name(), "completed").Inc()
	} else {
		if err := e.cfg.Storage.SetCompleted(context.Background(), task.Id, durationMs); err != nil {
			log.Printf("[worker] SetCompleted(%s): %v", task.Id, err)
		}
		metrics.TaskAttempts.WithLabelValues(e.queue.Name(), "completed").Inc()
	}

	events.Emit(e.cfg.Publisher, events.Event{
		TaskId: task.Id, EventDateUtc: time.Now().UTC(), Severity: events.SeverityInformation,
		TaskType: task.RequestTypeName, TaskHandlerType: task.HandlerTypeName, Message: "task completed",
		TaskParameters: task.RequestPayload,
	})
}

func (e *Executor) onFailure(ctx context.Context, task *store.PersistedTask, inst *registry.Instance, runErr error, durationMs int64) {
	if err := inst.OnError(ctx, task.Id, runErr, runErr.Error()); err != nil {
		log.Printf("[worker] OnError(%s) error (swallowed): %v", task.Id, err)
	}

	if next, ok := e.nextRecurringRun(task); ok {
		if err := e.cfg.Storage.UpdateCurrentRun(context.Background(), task.Id, store.StatusFailed, runErr.Error(), durationMs, &next); err != nil {
			log.Printf("[worker] UpdateCurrentRun(%s): %v", task.Id, err)
		}
		if err := e.cfg.Storage.SetQueued(context.Background(), task.Id); err != nil {
			log.Printf("[worker] SetQueued(%s) for recurring reschedule after failure: %v", task.Id, err)
		}
		e.cfg.Reschedule(task.Id, task.QueueName, next)
	} else if task.IsRecurring {
		if err := e.cfg.Storage.SetStatus(context.Background(), task.Id, store.StatusFailed, runErr.Error()); err != nil {
			log.Printf("[worker] SetStatus(%s, Failed): %v", task.Id, err)
		}
		var noNextRun time.Time
		if err := e.cfg.Storage.UpdateCurrentRun(context.Background(), task.Id, store.StatusFailed, runErr.Error(), durationMs, &noNextRun); err != nil {
			log.Printf("[worker] UpdateCurrentRun(%s): %v", task.Id, err)
		}
	} else {
		// SetFailed already increments CurrentRunCount and appends a
		// RunAudit row; see the matching note in onSuccess.
		if err := e.cfg.Storage.SetFailed(context.Background(), task.Id, runErr.Error(), durationMs); err != nil {
			log.Printf("[worker] SetFailed(%s): %v", task.Id, err)
		}
	}
	metrics.TaskAttempts.WithLabelValues(e.queue.Name(), "failed").Inc()

	events.Emit(e.cfg.Publisher, events.Event{
		TaskId: task.Id, EventDateUtc: time.Now().UTC(), Severity: events.SeverityError,
		TaskType: task.RequestTypeName, TaskHandlerType: task.HandlerTypeName,
		Message: "task failed", Exception: runErr.Error(), TaskParameters: task.RequestPayload,
	})
}

func (e *Executor) onServiceStopped(task *store.PersistedTask, inst *registry.Instance) {
	// A task cancelled by service shutdown is non-terminal: the recovery
	// loop re-dispatches it on the next startup.
	if err := e.cfg.Storage.SetCancelledByService(context.Background(), task.Id); err != nil {
		log.Printf("[worker] SetCancelledByService(%s): %v", task.Id, err)
	}
	metrics.TaskAttempts.WithLabelValues(e.queue.Name(), "service_stopped").Inc()
	events.Emit(e.cfg.Publisher, events.Event{
		TaskId: task.Id, EventDateUtc: time.Now().UTC(), Severity: events.SeverityWarning,
		TaskType: task.RequestTypeName, TaskHandlerType: task.HandlerTypeName,
		Message: "task interrupted by service shutdown", TaskParameters: task.RequestPayload,
	})
}

// onCancelled handles a task whose context was cancelled for a reason other
// than service shutdown: either DefaultTimeout elapsed or a caller
// invoked Dispatcher.Cancel. reason comes from the cancellation registry
// rather than inspecting ctx.Err() directly, since that registry is the
// single place a cancellation's cause is recorded.
func (e *Executor) onCancelled(ctx context.Context, task *store.PersistedTask, inst *registry.Instance, runErr error, reason taskcancel.Reason) {
	marker := "user cancellation"
	if reason == taskcancel.ReasonTimeout {
		marker = "timeout: " + runErr.Error()
	}
	if err := e.cfg.Storage.SetCancelledByUser(context.Background(), task.Id, marker); err != nil {
		log.Printf("[worker] SetCancelledByUser(%s): %v", task.Id, err)
	}
	metrics.TaskAttempts.WithLabelValues(e.queue.Name(), "cancelled").Inc()
	events.Emit(e.cfg.Publisher, events.Event{
		TaskId: task.Id, EventDateUtc: time.Now().UTC(), Severity: events.SeverityWarning,
		TaskType: task.RequestTypeName, TaskHandlerType: task.HandlerTypeName, Message: marker,
		TaskParameters: task.RequestPayload,
	})
}

// nextRecurringRun resolves a recurring task's next due time, or ok=false
// if the task is not recurring or its bounds are exhausted.
func (e *Executor) nextRecurringRun(task *store.PersistedTask) (time.Time, bool) {
	if !task.IsRecurring || len(task.RecurringSpec) == 0 {
		return time.Time{}, false
	}
	spec, err := recurring.Decode(task.RecurringSpec)
	if err != nil {
		log.Printf("[worker] decode recurring spec for %s: %v", task.Id, err)
		return time.Time{}, false
	}
	return spec.CalculateNextRun(time.Now().UTC(), task.CurrentRunCount+1)
}
