package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/runloom/taskengine/queue"
	"github.com/runloom/taskengine/registry"
	"github.com/runloom/taskengine/scheduler"
	"github.com/runloom/taskengine/store"
	"github.com/runloom/taskengine/taskcancel"
)

type pingRequest struct {
	Message string `json:"message"`
}

func newTestDispatcher(t *testing.T) (*Dispatcher, store.Storage, *queue.Manager) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := registry.New()
	registry.Register[pingRequest](reg, func() registry.Handler[pingRequest] {
		return registry.HandlerFunc[pingRequest](func(ctx context.Context, req pingRequest) error { return nil })
	})

	qm, err := queue.NewManager([]queue.Config{
		{Name: "default", ChannelCapacity: 10, MaxDegreeOfParallelism: 1, FullBehavior: queue.Wait},
		{Name: "recurring", ChannelCapacity: 10, MaxDegreeOfParallelism: 1, FullBehavior: queue.Wait},
	})
	if err != nil {
		t.Fatal(err)
	}

	sched := scheduler.New(2, func(ctx context.Context, e scheduler.Entry) error {
		return qm.TryEnqueue(ctx, e.QueueName, &queue.TaskDescriptor{TaskId: e.TaskId, QueueName: e.QueueName})
	})
	t.Cleanup(sched.Stop)

	d := New(s, reg, sched, qm, taskcancel.NewRegistry(), taskcancel.NewBlacklist())
	return d, s, qm
}

func TestDispatchImmediateRoutesToQueue(t *testing.T) {
	d, s, qm := newTestDispatcher(t)
	ctx := context.Background()

	taskId, err := Dispatch(ctx, d, pingRequest{Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	desc, err := qm.GetQueue("default").Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if desc.TaskId != taskId {
		t.Fatalf("expected %s on default queue, got %s", taskId, desc.TaskId)
	}

	task, err := s.GetByID(ctx, taskId)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.StatusQueued {
		t.Fatalf("expected Queued after enqueue, got %s", task.Status)
	}
}

func TestDispatchWithDelayRoutesToScheduler(t *testing.T) {
	d, s, qm := newTestDispatcher(t)
	ctx := context.Background()

	taskId, err := Dispatch(ctx, d, pingRequest{Message: "later"}, WithDelay(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	task, err := s.GetByID(ctx, taskId)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.StatusWaitingQueue {
		t.Fatalf("expected task to stay WaitingQueue until scheduler fires it, got %s", task.Status)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if qm.GetQueue("default").Depth() > 0 {
			desc, err := qm.GetQueue("default").Dequeue(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if desc.TaskId != taskId {
				t.Fatalf("expected delayed task on default queue, got %s", desc.TaskId)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("delayed task never reached the queue")
}

func TestIdempotentTaskKeyReturnsExistingId(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	first, err := Dispatch(ctx, d, pingRequest{Message: "a"}, WithTaskKey("job-1"), WithDelay(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	second, err := Dispatch(ctx, d, pingRequest{Message: "b"}, WithTaskKey("job-1"), WithDelay(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("expected duplicate TaskKey to return the existing id, got %s and %s", first, second)
	}
}

func TestCancelBeforeExecutionTransitionsCancelled(t *testing.T) {
	d, s, _ := newTestDispatcher(t)
	ctx := context.Background()

	taskId, err := Dispatch(ctx, d, pingRequest{Message: "hi"}, WithDelay(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	known, err := d.Cancel(ctx, taskId)
	if err != nil {
		t.Fatal(err)
	}
	if !known {
		t.Fatal("expected Cancel to report the task as known")
	}

	task, err := s.GetByID(ctx, taskId)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.StatusCancelled {
		t.Fatalf("expected Cancelled, got %s", task.Status)
	}
	if !d.Blacklist.Contains(taskId) {
		t.Fatal("expected task to be blacklisted after Cancel")
	}
}

func TestCancelUnknownTaskReportsFalse(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	known, err := d.Cancel(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	if known {
		t.Fatal("expected Cancel to report an unknown task id as not known")
	}
}

type fakeIdempotencyCache struct {
	values map[string]string
	hits   int
}

func newFakeIdempotencyCache() *fakeIdempotencyCache {
	return &fakeIdempotencyCache{values: make(map[string]string)}
}

func (c *fakeIdempotencyCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.values[key] = value
	return nil
}

func (c *fakeIdempotencyCache) Get(ctx context.Context, key string) (string, error) {
	if v, ok := c.values[key]; ok {
		c.hits++
		return v, nil
	}
	return "", nil
}

func TestIdempotencyCacheServesRepeatDispatchWithoutStorageLookup(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	cache := newFakeIdempotencyCache()
	d.WithIdempotencyCache(cache)
	ctx := context.Background()

	first, err := Dispatch(ctx, d, pingRequest{Message: "a"}, WithTaskKey("job-cached"), WithDelay(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if cache.hits != 0 {
		t.Fatalf("expected no cache hit on first dispatch, got %d", cache.hits)
	}

	second, err := Dispatch(ctx, d, pingRequest{Message: "b"}, WithTaskKey("job-cached"), WithDelay(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatalf("expected cached id %s, got %s", first, second)
	}
	if cache.hits != 1 {
		t.Fatalf("expected exactly one cache hit, got %d", cache.hits)
	}
}

func TestDispatchNilPointerRequestFails(t *testing.T) {
	d := &Dispatcher{}
	reg := registry.New()
	registry.Register[*pingRequest](reg, func() registry.Handler[*pingRequest] {
		return registry.HandlerFunc[*pingRequest](func(ctx context.Context, req *pingRequest) error { return nil })
	})
	d.Registry = reg

	var nilReq *pingRequest
	_, err := Dispatch(context.Background(), d, nilReq)
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestDispatchUnregisteredHandlerFails(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	type unregisteredRequest struct{}
	_, err := Dispatch(context.Background(), d, unregisteredRequest{})
	if !errors.Is(err, ErrHandlerNotRegistered) {
		t.Fatalf("expected ErrHandlerNotRegistered, got %v", err)
	}
}
