package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runloom/taskengine/dispatcher"
	"github.com/runloom/taskengine/events"
	"github.com/runloom/taskengine/queue"
	"github.com/runloom/taskengine/recurring"
	"github.com/runloom/taskengine/registry"
	"github.com/runloom/taskengine/retry"
	"github.com/runloom/taskengine/store"
)

type greetRequest struct {
	Name string `json:"name"`
}

type transientErr struct{ msg string }

func (e *transientErr) Error() string { return e.msg }

type permanentErr struct{ msg string }

func (e *permanentErr) Error() string { return e.msg }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}
func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) snapshot() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func waitForStatus(t *testing.T, s store.Storage, taskId string, want store.Status) *store.PersistedTask {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetByID(context.Background(), taskId)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s in time", taskId, want)
	return nil
}

func TestImmediateExecution(t *testing.T) {
	var counter int32
	s := store.NewMemoryStore()
	reg := registry.New()
	registry.Register[greetRequest](reg, func() registry.Handler[greetRequest] {
		return registry.HandlerFunc[greetRequest](func(ctx context.Context, req greetRequest) error {
			atomic.StoreInt32(&counter, 1)
			return nil
		})
	})

	svc, err := New(Config{Storage: s, Registry: reg, ShardCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Shutdown(context.Background())

	taskId, err := Dispatch(context.Background(), svc, greetRequest{Name: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	task := waitForStatus(t, s, taskId, store.StatusCompleted)
	if task.LastExecutionUtc == nil || task.Exception != "" {
		t.Fatalf("unexpected terminal fields: %+v", task)
	}
	if atomic.LoadInt32(&counter) != 1 {
		t.Fatal("expected handler to run")
	}

	audits := s.StatusAudits(taskId)
	if len(audits) == 0 || audits[len(audits)-1].NewStatus != store.StatusCompleted {
		t.Fatalf("expected last status audit to be Completed, got %+v", audits)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var attempts int32
	s := store.NewMemoryStore()
	reg := registry.New()
	registry.Register[greetRequest](reg, func() registry.Handler[greetRequest] {
		return registry.HandlerFunc[greetRequest](func(ctx context.Context, req greetRequest) error {
			n := atomic.AddInt32(&attempts, 1)
			if n <= 2 {
				return &transientErr{msg: "not yet"}
			}
			return nil
		})
	})

	policy := retry.NewLinearRetryPolicy(5, 5*time.Millisecond)
	svc, err := New(Config{Storage: s, Registry: reg, ShardCount: 2, DefaultRetryPolicy: policy})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Shutdown(context.Background())

	taskId, err := Dispatch(context.Background(), svc, greetRequest{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, s, taskId, store.StatusCompleted)

	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 total attempts, got %d", attempts)
	}
}

func TestWhitelistFailsFast(t *testing.T) {
	var attempts int32
	s := store.NewMemoryStore()
	reg := registry.New()
	registry.Register[greetRequest](reg, func() registry.Handler[greetRequest] {
		return registry.HandlerFunc[greetRequest](func(ctx context.Context, req greetRequest) error {
			atomic.AddInt32(&attempts, 1)
			return &permanentErr{msg: "boom"}
		})
	})

	policy := retry.Handle[*transientErr](retry.NewLinearRetryPolicy(5, time.Millisecond))
	svc, err := New(Config{Storage: s, Registry: reg, ShardCount: 2, DefaultRetryPolicy: policy})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Shutdown(context.Background())

	taskId, err := Dispatch(context.Background(), svc, greetRequest{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	task := waitForStatus(t, s, taskId, store.StatusFailed)
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", attempts)
	}
	if task.Exception == "" {
		t.Fatal("expected a recorded exception")
	}
}

func TestRecurringWithMaxRuns(t *testing.T) {
	var runs int32
	s := store.NewMemoryStore()
	reg := registry.New()
	registry.Register[greetRequest](reg, func() registry.Handler[greetRequest] {
		return registry.HandlerFunc[greetRequest](func(ctx context.Context, req greetRequest) error {
			atomic.AddInt32(&runs, 1)
			return nil
		})
	})

	svc, err := New(Config{Storage: s, Registry: reg, ShardCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Shutdown(context.Background())

	spec := recurring.EverySecond(1).WithMaxRuns(3)
	taskId, err := Dispatch(context.Background(), svc, greetRequest{Name: "tick"}, dispatcher.WithRecurring(spec))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&runs) >= 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if atomic.LoadInt32(&runs) != 3 {
		t.Fatalf("expected exactly 3 runs, got %d", runs)
	}

	task := waitForStatus(t, s, taskId, store.StatusCompleted)
	if task.CurrentRunCount != 3 {
		t.Fatalf("expected CurrentRunCount=3, got %d", task.CurrentRunCount)
	}
	if task.NextRunUtc != nil && !task.NextRunUtc.IsZero() {
		t.Fatalf("expected NextRunUtc to be cleared once bounds are exhausted, got %v", task.NextRunUtc)
	}
	runAudits := s.RunAudits(taskId)
	completed := 0
	for _, ra := range runAudits {
		if ra.Status == store.StatusCompleted {
			completed++
		}
	}
	if completed != 3 {
		t.Fatalf("expected 3 Completed RunAudit rows, got %d", completed)
	}
}

func TestCancellationBeforeExecution(t *testing.T) {
	var ran int32
	s := store.NewMemoryStore()
	reg := registry.New()
	registry.Register[greetRequest](reg, func() registry.Handler[greetRequest] {
		return registry.HandlerFunc[greetRequest](func(ctx context.Context, req greetRequest) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	})

	svc, err := New(Config{Storage: s, Registry: reg, ShardCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Shutdown(context.Background())

	taskId, err := Dispatch(context.Background(), svc, greetRequest{Name: "x"}, dispatcher.WithDelay(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	known, err := svc.Cancel(context.Background(), taskId)
	if err != nil {
		t.Fatal(err)
	}
	if !known {
		t.Fatal("expected Cancel to recognize the task")
	}

	task := waitForStatus(t, s, taskId, store.StatusCancelled)
	_ = task
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("expected handler to never run for a cancelled-before-execution task")
	}
}

func TestServiceShutdownMidExecution(t *testing.T) {
	started := make(chan struct{})
	observed := make(chan bool, 1)

	s := store.NewMemoryStore()
	reg := registry.New()
	registry.Register[greetRequest](reg, func() registry.Handler[greetRequest] {
		return registry.HandlerFunc[greetRequest](func(ctx context.Context, req greetRequest) error {
			close(started)
			select {
			case <-ctx.Done():
				observed <- true
				return ctx.Err()
			case <-time.After(5 * time.Second):
				observed <- false
				return nil
			}
		})
	})

	publisher := &recordingPublisher{}
	svc, err := New(Config{
		Storage:             s,
		Registry:            reg,
		ShardCount:          2,
		Publisher:           publisher,
		ShutdownGracePeriod: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	taskId, err := Dispatch(context.Background(), svc, greetRequest{Name: "long"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	svc.Shutdown(context.Background())

	select {
	case sawCancel := <-observed:
		if !sawCancel {
			t.Fatal("expected handler to observe the cancellation signal")
		}
	case <-time.After(time.Second):
		t.Fatal("handler never observed shutdown")
	}

	waitForStatus(t, s, taskId, store.StatusServiceStopped)

	foundWarning := false
	for _, e := range publisher.snapshot() {
		if e.TaskId == taskId && e.Severity == events.SeverityWarning {
			foundWarning = true
		}
	}
	if !foundWarning {
		t.Fatal("expected a Warning event for the interrupted task")
	}

	// Recovery on a fresh Service re-dispatches the ServiceStopped task.
	var rerun int32
	reg2 := registry.New()
	registry.Register[greetRequest](reg2, func() registry.Handler[greetRequest] {
		return registry.HandlerFunc[greetRequest](func(ctx context.Context, req greetRequest) error {
			atomic.AddInt32(&rerun, 1)
			return nil
		})
	})
	svc2, err := New(Config{Storage: s, Registry: reg2, ShardCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc2.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc2.Shutdown(context.Background())

	waitForStatus(t, s, taskId, store.StatusCompleted)
	if atomic.LoadInt32(&rerun) != 1 {
		t.Fatalf("expected recovery to re-dispatch exactly once, got %d", rerun)
	}
}

func TestDispatchWithNilQueueConfigUsesDefault(t *testing.T) {
	s := store.NewMemoryStore()
	reg := registry.New()
	registry.Register[greetRequest](reg, func() registry.Handler[greetRequest] {
		return registry.HandlerFunc[greetRequest](func(ctx context.Context, req greetRequest) error { return nil })
	})
	svc, err := New(Config{Storage: s, Registry: reg, Queues: []queue.Config{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Shutdown(context.Background())

	taskId, err := Dispatch(context.Background(), svc, greetRequest{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, s, taskId, store.StatusCompleted)
}

func TestRecoverySkipsElapsedRecurringOccurrences(t *testing.T) {
	var runs int32
	s := store.NewMemoryStore()
	reg := registry.New()
	registry.Register[greetRequest](reg, func() registry.Handler[greetRequest] {
		return registry.HandlerFunc[greetRequest](func(ctx context.Context, req greetRequest) error {
			atomic.AddInt32(&runs, 1)
			return nil
		})
	})

	spec := recurring.EveryMinute(1)
	specBytes, err := spec.Encode()
	if err != nil {
		t.Fatal(err)
	}
	lastDue := time.Now().UTC().Add(-5 * time.Minute)
	task := &store.PersistedTask{
		Id:              "recover-recurring-1",
		RequestPayload:  []byte(`{"name":"tick"}`),
		RequestTypeName: registry.TypeName[greetRequest](),
		HandlerTypeName: "greetHandler",
		QueueName:       "default",
		Status:          store.StatusQueued,
		AuditLevel:      store.AuditFull,
		CreatedAtUtc:    time.Now().UTC().Add(-10 * time.Minute),
		IsRecurring:     true,
		RecurringSpec:   specBytes,
		NextRunUtc:      &lastDue,
	}
	if err := s.Persist(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	svc, err := New(Config{Storage: s, Registry: reg, ShardCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Shutdown(context.Background())

	// recover() runs synchronously inside Start, so the skip is already
	// recorded by the time Start returns.
	skipped := s.SkippedOccurrences(task.Id)
	if len(skipped) < 4 {
		t.Fatalf("expected at least 4 elapsed occurrences recorded, got %d: %+v", len(skipped), skipped)
	}
	now := time.Now().UTC()
	for _, occ := range skipped {
		if !occ.DueUtc.Before(now) {
			t.Fatalf("expected every recorded skip to be in the past, got %v", occ.DueUtc)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&runs) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("expected exactly one recovered (non-skipped) occurrence to run so far, got %d", runs)
	}
}

func TestCancelUnknownTaskIsNoOp(t *testing.T) {
	s := store.NewMemoryStore()
	reg := registry.New()
	svc, err := New(Config{Storage: s, Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Shutdown(context.Background())

	known, err := svc.Cancel(context.Background(), "nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if known {
		t.Fatal("expected unknown task id to report false")
	}
}
