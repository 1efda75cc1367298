// Package queue implements named, bounded worker queues and the manager
// that routes descriptors to them.
package queue

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/runloom/taskengine/metrics"
)

// ErrQueueFull is returned by TryEnqueue under the ThrowException policy,
// and under FallbackToDefault when the default queue is also full.
var ErrQueueFull = errors.New("queue: full")

// FullBehavior controls what happens when a WorkerQueue is at capacity.
type FullBehavior string

const (
	// Wait blocks the caller until space is available.
	Wait FullBehavior = "Wait"
	// ThrowException returns ErrQueueFull immediately; the caller's task
	// is left untouched in storage.
	ThrowException FullBehavior = "ThrowException"
	// FallbackToDefault re-routes to the default queue.
	FallbackToDefault FullBehavior = "FallbackToDefault"
)

// TaskDescriptor is the weak, in-memory handle a queue carries: just
// enough to route and dequeue. The PersistedTask remains the source of
// truth in storage.
type TaskDescriptor struct {
	TaskId          string
	RequestTypeName string
	QueueName       string
}

// Config describes one named queue.
type Config struct {
	Name                   string
	MaxDegreeOfParallelism int
	ChannelCapacity        int
	FullBehavior           FullBehavior
	// MaxDispatchRate optionally throttles how fast the executor pulls
	// work off this queue, independent of MaxDegreeOfParallelism. Zero
	// disables throttling.
	MaxDispatchRate rate.Limit
}

// WorkerQueue wraps a bounded FIFO channel of TaskDescriptors with a
// configured full-queue policy.
type WorkerQueue struct {
	name         string
	ch           chan *TaskDescriptor
	fullBehavior FullBehavior
	limiter      *rate.Limiter

	maxDegreeOfParallelism int
}

func newWorkerQueue(cfg Config) *WorkerQueue {
	var limiter *rate.Limiter
	if cfg.MaxDispatchRate > 0 {
		limiter = rate.NewLimiter(cfg.MaxDispatchRate, 1)
	}
	return &WorkerQueue{
		name:                   cfg.Name,
		ch:                     make(chan *TaskDescriptor, cfg.ChannelCapacity),
		fullBehavior:           cfg.FullBehavior,
		limiter:                limiter,
		maxDegreeOfParallelism: cfg.MaxDegreeOfParallelism,
	}
}

func (q *WorkerQueue) Name() string                   { return q.name }
func (q *WorkerQueue) MaxDegreeOfParallelism() int     { return q.maxDegreeOfParallelism }
func (q *WorkerQueue) Depth() int                      { return len(q.ch) }

// tryEnqueue is non-blocking: it reports whether the descriptor was
// admitted without waiting.
func (q *WorkerQueue) tryEnqueue(d *TaskDescriptor) bool {
	select {
	case q.ch <- d:
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
		return true
	default:
		return false
	}
}

// waitEnqueue blocks until space is available or ctx is done.
func (q *WorkerQueue) waitEnqueue(ctx context.Context, d *TaskDescriptor) error {
	select {
	case q.ch <- d:
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a descriptor is ready, ctx is cancelled, or (if a
// MaxDispatchRate is configured) the rate limiter admits the next pull.
func (q *WorkerQueue) Dequeue(ctx context.Context) (*TaskDescriptor, error) {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	select {
	case d := <-q.ch:
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Manager holds the name -> WorkerQueue mapping and routes descriptors,
// falling back to the "default" queue for unknown names.
type Manager struct {
	queues map[string]*WorkerQueue
}

// NewManager builds a Manager from a set of queue configs. A "default"
// queue is always present even if not explicitly configured.
func NewManager(configs []Config) (*Manager, error) {
	m := &Manager{queues: make(map[string]*WorkerQueue, len(configs)+1)}
	hasDefault := false
	for _, c := range configs {
		if c.Name == "" {
			return nil, fmt.Errorf("queue: config missing Name")
		}
		if c.MaxDegreeOfParallelism <= 0 {
			c.MaxDegreeOfParallelism = 1
		}
		if c.ChannelCapacity <= 0 {
			c.ChannelCapacity = 100
		}
		if c.FullBehavior == "" {
			c.FullBehavior = Wait
		}
		m.queues[c.Name] = newWorkerQueue(c)
		if c.Name == "default" {
			hasDefault = true
		}
	}
	if !hasDefault {
		m.queues["default"] = newWorkerQueue(Config{
			Name:                   "default",
			MaxDegreeOfParallelism: 4,
			ChannelCapacity:        100,
			FullBehavior:           Wait,
		})
	}
	return m, nil
}

// GetQueue returns the named queue, or nil if unknown.
func (m *Manager) GetQueue(name string) *WorkerQueue {
	return m.queues[name]
}

// TryGetQueue returns the named queue and whether it exists.
func (m *Manager) TryGetQueue(name string) (*WorkerQueue, bool) {
	q, ok := m.queues[name]
	return q, ok
}

func (m *Manager) defaultQueue() *WorkerQueue {
	return m.queues["default"]
}

// Queues returns every configured queue, for executor wiring.
func (m *Manager) Queues() []*WorkerQueue {
	out := make([]*WorkerQueue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	return out
}

// TryEnqueue routes d to its named queue (falling back to default if the
// name is unknown), applying the queue's full-queue policy.
func (m *Manager) TryEnqueue(ctx context.Context, name string, d *TaskDescriptor) error {
	q, ok := m.TryGetQueue(name)
	if !ok {
		q = m.defaultQueue()
	}
	return m.enqueueOn(ctx, q, d)
}

func (m *Manager) enqueueOn(ctx context.Context, q *WorkerQueue, d *TaskDescriptor) error {
	switch q.fullBehavior {
	case Wait:
		return q.waitEnqueue(ctx, d)

	case ThrowException:
		if q.tryEnqueue(d) {
			metrics.DispatchDecisions.WithLabelValues("queued").Inc()
			return nil
		}
		metrics.DispatchDecisions.WithLabelValues("queue_full").Inc()
		return ErrQueueFull

	case FallbackToDefault:
		if q.tryEnqueue(d) {
			metrics.DispatchDecisions.WithLabelValues("queued").Inc()
			return nil
		}
		def := m.defaultQueue()
		if def != q && def.tryEnqueue(d) {
			metrics.DispatchDecisions.WithLabelValues("queued_fallback").Inc()
			return nil
		}
		metrics.DispatchDecisions.WithLabelValues("queue_full").Inc()
		return ErrQueueFull

	default:
		return fmt.Errorf("queue: unknown full behavior %q", q.fullBehavior)
	}
}
