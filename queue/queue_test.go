package queue

import (
	"context"
	"testing"
	"time"
)

func TestTryEnqueueThrowExceptionWhenFull(t *testing.T) {
	m, err := NewManager([]Config{
		{Name: "q1", ChannelCapacity: 1, FullBehavior: ThrowException, MaxDegreeOfParallelism: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := m.TryEnqueue(ctx, "q1", &TaskDescriptor{TaskId: "t1"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err = m.TryEnqueue(ctx, "q1", &TaskDescriptor{TaskId: "t2"})
	if err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestFallbackToDefaultReroutesWhenFull(t *testing.T) {
	m, err := NewManager([]Config{
		{Name: "q1", ChannelCapacity: 1, FullBehavior: FallbackToDefault, MaxDegreeOfParallelism: 1},
		{Name: "default", ChannelCapacity: 2, FullBehavior: ThrowException, MaxDegreeOfParallelism: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := m.TryEnqueue(ctx, "q1", &TaskDescriptor{TaskId: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := m.TryEnqueue(ctx, "q1", &TaskDescriptor{TaskId: "t2"}); err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}

	def := m.GetQueue("default")
	d, err := def.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.TaskId != "t2" {
		t.Fatalf("expected t2 to land on default queue, got %s", d.TaskId)
	}
}

func TestWaitPolicyBlocksUntilSpace(t *testing.T) {
	m, err := NewManager([]Config{
		{Name: "q1", ChannelCapacity: 1, FullBehavior: Wait, MaxDegreeOfParallelism: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	q := m.GetQueue("q1")
	ctx := context.Background()

	if err := m.TryEnqueue(ctx, "q1", &TaskDescriptor{TaskId: "t1"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.TryEnqueue(ctx, "q1", &TaskDescriptor{TaskId: "t2"})
	}()

	select {
	case <-done:
		t.Fatal("expected second enqueue to block while queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected blocked enqueue to complete after dequeue freed space")
	}
}

func TestUnknownQueueNameFallsBackToDefault(t *testing.T) {
	m, err := NewManager(nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := m.TryEnqueue(ctx, "does-not-exist", &TaskDescriptor{TaskId: "t1"}); err != nil {
		t.Fatal(err)
	}
	d, err := m.GetQueue("default").Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.TaskId != "t1" {
		t.Fatalf("expected task routed to default queue, got %s", d.TaskId)
	}
}
