package store

import (
	"context"
	"testing"
	"time"
)

func newTask(id, taskKey string) *PersistedTask {
	return &PersistedTask{
		Id:              id,
		TaskKey:         taskKey,
		RequestTypeName: "SendEmail",
		HandlerTypeName: "SendEmailHandler",
		QueueName:       "default",
		Status:          StatusWaitingQueue,
		AuditLevel:      AuditFull,
		CreatedAtUtc:    time.Now().UTC(),
	}
}

func TestPersistDuplicateTaskKeyRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Persist(ctx, newTask("t1", "dedupe-key")); err != nil {
		t.Fatalf("first persist: %v", err)
	}
	err := s.Persist(ctx, newTask("t2", "dedupe-key"))
	if err != ErrDuplicateTaskKey {
		t.Fatalf("expected ErrDuplicateTaskKey, got %v", err)
	}
}

func TestPersistDuplicateTaskKeyAllowedAfterTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Persist(ctx, newTask("t1", "dedupe-key")); err != nil {
		t.Fatalf("first persist: %v", err)
	}
	if err := s.SetCompleted(ctx, "t1", 5); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.Persist(ctx, newTask("t2", "dedupe-key")); err != nil {
		t.Fatalf("second persist after terminal: %v", err)
	}
}

func TestStatusAuditOrderMatchesTransitionOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := newTask("t1", "")
	if err := s.Persist(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.SetQueued(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInProgress(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCompleted(ctx, "t1", 10); err != nil {
		t.Fatal(err)
	}

	rows := s.statusAudits["t1"]
	want := []Status{StatusWaitingQueue, StatusQueued, StatusInProgress, StatusCompleted}
	if len(rows) != len(want) {
		t.Fatalf("got %d audit rows, want %d", len(rows), len(want))
	}
	for i, w := range want {
		if rows[i].NewStatus != w {
			t.Errorf("row %d: got %s, want %s", i, rows[i].NewStatus, w)
		}
	}

	got, err := s.GetByID(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != rows[len(rows)-1].NewStatus {
		t.Errorf("current status %s does not match last audit row %s", got.Status, rows[len(rows)-1].NewStatus)
	}
}

func TestRetrievePendingExcludesTerminalAndPagesByCursor(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		task := newTask(id, "")
		task.CreatedAtUtc = base.Add(time.Duration(i) * time.Second)
		if err := s.Persist(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetCompleted(ctx, "b", 1); err != nil {
		t.Fatal(err)
	}

	page, err := s.RetrievePending(ctx, time.Time{}, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Tasks) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(page.Tasks))
	}
	if page.Tasks[0].Id != "a" || page.Tasks[1].Id != "c" {
		t.Fatalf("unexpected order: %v", page.Tasks)
	}

	next, err := s.RetrievePending(ctx, page.Tasks[0].CreatedAtUtc, page.Tasks[0].Id, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(next.Tasks) != 1 || next.Tasks[0].Id != "c" {
		t.Fatalf("cursor did not resume correctly: %v", next.Tasks)
	}
}

func TestExecutionLogSequenceNumberMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SaveExecutionLogs(ctx, "t1", []ExecutionLogEntry{{Message: "one"}, {Message: "two"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveExecutionLogs(ctx, "t1", []ExecutionLogEntry{{Message: "three"}}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.GetExecutionLogs(ctx, "t1", -1)
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range entries {
		if e.SequenceNumber != i {
			t.Errorf("entry %d has SequenceNumber %d", i, e.SequenceNumber)
		}
	}
}

func TestAuditNoneSuppressesStatusAudits(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := newTask("t1", "")
	task.AuditLevel = AuditNone
	if err := s.Persist(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCompleted(ctx, "t1", 1); err != nil {
		t.Fatal(err)
	}
	if rows := s.statusAudits["t1"]; len(rows) != 0 {
		t.Errorf("expected no audit rows under AuditNone, got %d", len(rows))
	}
}
