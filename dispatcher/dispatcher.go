// Package dispatcher is the engine's only entry point for task submission,
// cancellation, and idempotent resubmission. It decides whether a request
// goes straight to a queue or waits in the scheduler, and owns the
// blacklist/cancellation-registry side effects cancellation needs.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/runloom/taskengine/guid"
	"github.com/runloom/taskengine/queue"
	"github.com/runloom/taskengine/recurring"
	"github.com/runloom/taskengine/registry"
	"github.com/runloom/taskengine/scheduler"
	"github.com/runloom/taskengine/store"
	"github.com/runloom/taskengine/taskcancel"
)

// Error taxonomy. These wrap the underlying cause; callers should use
// errors.Is against these sentinels rather than string-matching.
var (
	ErrHandlerNotRegistered = errors.New("dispatcher: handler not registered for request type")
	ErrSerialization        = errors.New("dispatcher: request could not be serialized")
	ErrPersistenceFailure   = errors.New("dispatcher: storage rejected the task")
	ErrQueueFull            = queue.ErrQueueFull
	ErrInvalidRequest       = errors.New("dispatcher: request must not be nil")
)

// Options configures one Dispatch call. Zero value dispatches immediately
// on the default queue with no idempotency key and AuditFull.
type options struct {
	executeAt *time.Time
	delay     *time.Duration
	recurring *recurring.Spec
	taskKey   string
	queueName string
	audit     store.AuditLevel
}

// Option customizes a Dispatch call.
type Option func(*options)

// WithExecuteAt schedules the task at an absolute time.
func WithExecuteAt(t time.Time) Option {
	return func(o *options) { u := t.UTC(); o.executeAt = &u }
}

// WithDelay schedules the task relative to the moment Dispatch runs.
func WithDelay(d time.Duration) Option {
	return func(o *options) { o.delay = &d }
}

// WithRecurring marks the task as recurring per spec.
func WithRecurring(spec *recurring.Spec) Option {
	return func(o *options) { o.recurring = spec }
}

// WithTaskKey sets an idempotency key: a non-terminal task already
// carrying this key is returned instead of creating a duplicate.
func WithTaskKey(key string) Option {
	return func(o *options) { o.taskKey = key }
}

// WithQueueName overrides the routing queue. Absent this, the effective
// queue is "recurring" for recurring tasks and "default" otherwise;
// handlers carry no default queue of their own.
func WithQueueName(name string) Option {
	return func(o *options) { o.queueName = name }
}

// WithAuditLevel overrides the task's audit level (default AuditFull).
func WithAuditLevel(level store.AuditLevel) Option {
	return func(o *options) { o.audit = level }
}

// Dispatcher is the public entry point for submission and cancellation.
type Dispatcher struct {
	Storage        store.Storage
	Registry       *registry.Registry
	Scheduler      *scheduler.Scheduler
	Queues         *queue.Manager
	CancelRegistry *taskcancel.Registry
	Blacklist      *taskcancel.Blacklist

	// IdempotencyCache is an optional fast path for the TaskKey lookup: a
	// cache hit skips the GetByTaskKey round-trip to Storage entirely. Nil
	// disables the fast path; Storage.GetByTaskKey is still the source of
	// truth either way.
	IdempotencyCache    store.IdempotencyBackend
	IdempotencyCacheTTL time.Duration
}

// New builds a Dispatcher over the engine's shared components. Use
// WithIdempotencyCache to attach a fast-path cache afterward.
func New(storage store.Storage, reg *registry.Registry, sched *scheduler.Scheduler, queues *queue.Manager, cancelRegistry *taskcancel.Registry, blacklist *taskcancel.Blacklist) *Dispatcher {
	return &Dispatcher{
		Storage:             storage,
		Registry:            reg,
		Scheduler:           sched,
		Queues:              queues,
		CancelRegistry:      cancelRegistry,
		Blacklist:           blacklist,
		IdempotencyCacheTTL: 24 * time.Hour,
	}
}

// WithIdempotencyCache attaches a fast-path TaskKey->id cache to d, mirroring
// the same backend a distributed Storage implementation uses for its own
// lookups (e.g. store.RedisIdempotencyBackend alongside store.RedisStore).
func (d *Dispatcher) WithIdempotencyCache(cache store.IdempotencyBackend) *Dispatcher {
	d.IdempotencyCache = cache
	return d
}

// Dispatch submits req, a value of a type previously registered with
// registry.Register, for execution per the supplied options. Go forbids
// generic methods, so this is a free function parameterized over Req.
func Dispatch[Req any](ctx context.Context, d *Dispatcher, req Req, opts ...Option) (string, error) {
	if isNilRequest(req) {
		return "", ErrInvalidRequest
	}

	o := options{audit: store.AuditFull}
	for _, apply := range opts {
		apply(&o)
	}

	requestType := registry.TypeName[Req]()
	entry, ok := d.Registry.Resolve(requestType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrHandlerNotRegistered, requestType)
	}

	if o.taskKey != "" {
		if d.IdempotencyCache != nil {
			if cachedId, err := d.IdempotencyCache.Get(ctx, o.taskKey); err == nil && cachedId != "" {
				return cachedId, nil
			}
		}
		if existing, err := d.Storage.GetByTaskKey(ctx, o.taskKey); err == nil && existing != nil {
			if d.IdempotencyCache != nil {
				_ = d.IdempotencyCache.Set(ctx, o.taskKey, existing.Id, d.IdempotencyCacheTTL)
			}
			return existing.Id, nil
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	due, isFuture := dueTime(o)
	queueName := effectiveQueueName(o, entry.HandlerTypeName)

	var recurringBytes []byte
	if o.recurring != nil {
		recurringBytes, err = o.recurring.Encode()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSerialization, err)
		}
	}

	task := &store.PersistedTask{
		Id:              guid.New(),
		TaskKey:         o.taskKey,
		RequestPayload:  payload,
		RequestTypeName: requestType,
		HandlerTypeName: entry.HandlerTypeName,
		QueueName:       queueName,
		Status:          store.StatusWaitingQueue,
		AuditLevel:      o.audit,
		CreatedAtUtc:    time.Now().UTC(),
		IsRecurring:     o.recurring != nil,
		RecurringSpec:   recurringBytes,
	}
	if o.recurring != nil {
		task.MaxRuns = o.recurring.MaxRuns
		task.RunUntilUtc = o.recurring.RunUntilUtc
	}
	if !due.IsZero() {
		u := due
		task.ScheduledExecutionUtc = &u
	}

	if err := d.Storage.Persist(ctx, task); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	if o.taskKey != "" && d.IdempotencyCache != nil {
		_ = d.IdempotencyCache.Set(ctx, o.taskKey, task.Id, d.IdempotencyCacheTTL)
	}

	if d.Blacklist.Contains(task.Id) {
		_ = d.Storage.SetCancelledByUser(ctx, task.Id, "blacklisted before scheduling")
		return task.Id, nil
	}

	if isFuture {
		d.Scheduler.Schedule(task.Id, queueName, due)
		return task.Id, nil
	}

	if err := d.routeToQueue(ctx, task.Id, queueName, requestType); err != nil {
		return task.Id, err
	}
	return task.Id, nil
}

// routeToQueue hands a due-now task to the queue manager and records the
// Queued transition on success, mirroring spec.md §4.3's "on successful
// enqueue the queue updates the task's status to Queued" contract (kept
// here rather than inside queue.Manager, since that package has no
// storage dependency).
func (d *Dispatcher) routeToQueue(ctx context.Context, taskId, queueName, requestType string) error {
	if d.Blacklist.Contains(taskId) {
		_ = d.Storage.SetCancelledByUser(ctx, taskId, "blacklisted before enqueue")
		return nil
	}
	if err := d.Queues.TryEnqueue(ctx, queueName, &queue.TaskDescriptor{
		TaskId: taskId, RequestTypeName: requestType, QueueName: queueName,
	}); err != nil {
		return err
	}
	if err := d.Storage.SetQueued(ctx, taskId); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// dueTime resolves a Dispatch call's absolute due time and whether it lies
// strictly in the future. ExecuteAt and Delay are mutually informative;
// ExecuteAt wins if both are set. A recurring spec with no explicit
// ExecuteAt/Delay is evaluated via CalculateNextRun against now.
func dueTime(o options) (time.Time, bool) {
	now := time.Now().UTC()
	switch {
	case o.executeAt != nil:
		return *o.executeAt, o.executeAt.After(now)
	case o.delay != nil:
		due := now.Add(*o.delay)
		return due, *o.delay > 0
	case o.recurring != nil:
		if next, ok := o.recurring.CalculateNextRun(now, 0); ok {
			return next, next.After(now)
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// isNilRequest reports whether req is a nil pointer, interface, map, or
// slice. Req is usually a plain struct value (never nil), but callers may
// register a handler over a pointer or interface type; a nil value there
// would otherwise marshal to the JSON literal "null" and be persisted and
// scheduled like any other request.
func isNilRequest(req any) bool {
	v := reflect.ValueOf(req)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return v.IsNil()
	default:
		return false
	}
}

func effectiveQueueName(o options, handlerTypeName string) string {
	if o.queueName != "" {
		return o.queueName
	}
	if o.recurring != nil {
		return "recurring"
	}
	return "default"
}

// Cancel blacklists taskId, signals its in-flight cancellation source (if
// any), and, when the task has not yet started executing, transitions it
// to Cancelled in storage. Reports whether the task id was known to
// storage.
func (d *Dispatcher) Cancel(ctx context.Context, taskId string) (bool, error) {
	d.Blacklist.Add(taskId)
	d.CancelRegistry.Cancel(taskId, taskcancel.ReasonUser)

	task, err := d.Storage.GetByID(ctx, taskId)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	if task.Status == store.StatusWaitingQueue || task.Status == store.StatusQueued {
		if err := d.Storage.SetCancelledByUser(ctx, taskId, "cancelled before execution"); err != nil {
			return true, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
		}
	}
	return true, nil
}
