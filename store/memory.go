package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the reference Storage implementation: a single RWMutex
// guarding plain maps, with defensive copies handed out on read so callers
// can't mutate engine state behind the lock's back.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*PersistedTask

	statusAudits map[string][]StatusAudit
	runAudits    map[string][]RunAudit
	logs         map[string][]ExecutionLogEntry
	skipped      map[string][]SkippedOccurrence
}

// NewMemoryStore returns an empty in-memory Storage.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:        make(map[string]*PersistedTask),
		statusAudits: make(map[string][]StatusAudit),
		runAudits:    make(map[string][]RunAudit),
		logs:         make(map[string][]ExecutionLogEntry),
		skipped:      make(map[string][]SkippedOccurrence),
	}
}

func (s *MemoryStore) Persist(ctx context.Context, task *PersistedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.TaskKey != "" {
		for _, existing := range s.tasks {
			if existing.TaskKey == task.TaskKey && !existing.Status.Terminal() {
				return ErrDuplicateTaskKey
			}
		}
	}

	taskCopy := *task
	s.tasks[task.Id] = &taskCopy
	s.appendStatusAuditLocked(&taskCopy, task.Status, "")
	return nil
}

func (s *MemoryStore) appendStatusAuditLocked(task *PersistedTask, status Status, exception string) {
	if task.AuditLevel == AuditNone {
		return
	}
	if task.AuditLevel == AuditErrorsOnly && exception == "" {
		return
	}
	s.statusAudits[task.Id] = append(s.statusAudits[task.Id], StatusAudit{
		TaskId:       task.Id,
		NewStatus:    status,
		UpdatedAtUtc: time.Now().UTC(),
		Exception:    exception,
	})
}

func (s *MemoryStore) SetStatus(ctx context.Context, taskId string, status Status, exception string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskId]
	if !ok {
		return ErrNotFound
	}
	task.Status = status
	if exception != "" {
		task.Exception = exception
	}
	if status.Terminal() || status == StatusServiceStopped {
		now := time.Now().UTC()
		task.LastExecutionUtc = &now
	}
	s.appendStatusAuditLocked(task, status, exception)
	return nil
}

func (s *MemoryStore) SetQueued(ctx context.Context, taskId string) error {
	return s.SetStatus(ctx, taskId, StatusQueued, "")
}

func (s *MemoryStore) SetInProgress(ctx context.Context, taskId string) error {
	return s.SetStatus(ctx, taskId, StatusInProgress, "")
}

func (s *MemoryStore) SetCompleted(ctx context.Context, taskId string, durationMs int64) error {
	if err := s.SetStatus(ctx, taskId, StatusCompleted, ""); err != nil {
		return err
	}
	return s.UpdateCurrentRun(ctx, taskId, StatusCompleted, "", durationMs, nil)
}

func (s *MemoryStore) SetFailed(ctx context.Context, taskId string, exception string, durationMs int64) error {
	if err := s.SetStatus(ctx, taskId, StatusFailed, exception); err != nil {
		return err
	}
	return s.UpdateCurrentRun(ctx, taskId, StatusFailed, exception, durationMs, nil)
}

func (s *MemoryStore) SetCancelledByUser(ctx context.Context, taskId string, reason string) error {
	return s.SetStatus(ctx, taskId, StatusCancelled, reason)
}

func (s *MemoryStore) SetCancelledByService(ctx context.Context, taskId string) error {
	return s.SetStatus(ctx, taskId, StatusServiceStopped, "")
}

func (s *MemoryStore) UpdateCurrentRun(ctx context.Context, taskId string, status Status, exception string, durationMs int64, nextRunUtc *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskId]
	if !ok {
		return ErrNotFound
	}
	task.CurrentRunCount++
	if nextRunUtc != nil {
		task.NextRunUtc = nextRunUtc
	}

	if task.AuditLevel != AuditNone && !(task.AuditLevel == AuditErrorsOnly && exception == "") {
		s.runAudits[taskId] = append(s.runAudits[taskId], RunAudit{
			TaskId:        taskId,
			Status:        status,
			ExecutedAtUtc: time.Now().UTC(),
			Exception:     exception,
			DurationMs:    durationMs,
		})
	}
	return nil
}

func (s *MemoryStore) RetrievePending(ctx context.Context, lastCreatedAtUtc time.Time, lastId string, take int) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eligible := make(map[Status]bool, len(RecoveryEligibleStatuses))
	for _, st := range RecoveryEligibleStatuses {
		eligible[st] = true
	}

	var candidates []*PersistedTask
	for _, t := range s.tasks {
		if !eligible[t.Status] {
			continue
		}
		if !lastCreatedAtUtc.IsZero() {
			if t.CreatedAtUtc.Before(lastCreatedAtUtc) {
				continue
			}
			if t.CreatedAtUtc.Equal(lastCreatedAtUtc) && t.Id <= lastId {
				continue
			}
		}
		taskCopy := *t
		candidates = append(candidates, &taskCopy)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAtUtc.Equal(candidates[j].CreatedAtUtc) {
			return candidates[i].CreatedAtUtc.Before(candidates[j].CreatedAtUtc)
		}
		return candidates[i].Id < candidates[j].Id
	})

	page := Page{}
	if take <= 0 || take > len(candidates) {
		take = len(candidates)
	}
	page.Tasks = candidates[:take]
	page.HasMore = take < len(candidates)
	if len(page.Tasks) > 0 {
		last := page.Tasks[len(page.Tasks)-1]
		page.LastCreatedAtUtc = last.CreatedAtUtc
		page.LastId = last.Id
	}
	return page, nil
}

func (s *MemoryStore) GetByTaskKey(ctx context.Context, taskKey string) (*PersistedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.TaskKey == taskKey && !t.Status.Terminal() {
			taskCopy := *t
			return &taskCopy, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetByID(ctx context.Context, taskId string) (*PersistedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskId]
	if !ok {
		return nil, ErrNotFound
	}
	taskCopy := *t
	return &taskCopy, nil
}

func (s *MemoryStore) Remove(ctx context.Context, taskId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskId)
	delete(s.statusAudits, taskId)
	delete(s.runAudits, taskId)
	delete(s.logs, taskId)
	delete(s.skipped, taskId)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, pred func(*PersistedTask) bool) ([]*PersistedTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PersistedTask
	for _, t := range s.tasks {
		if pred(t) {
			taskCopy := *t
			out = append(out, &taskCopy)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetAll(ctx context.Context) ([]*PersistedTask, error) {
	return s.Get(ctx, func(*PersistedTask) bool { return true })
}

func (s *MemoryStore) SaveExecutionLogs(ctx context.Context, taskId string, entries []ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.logs[taskId]
	next := 0
	if len(existing) > 0 {
		next = existing[len(existing)-1].SequenceNumber + 1
	}
	for i := range entries {
		entries[i].SequenceNumber = next + i
	}
	s.logs[taskId] = append(existing, entries...)
	return nil
}

func (s *MemoryStore) GetExecutionLogs(ctx context.Context, taskId string, afterSequence int) ([]ExecutionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ExecutionLogEntry
	for _, e := range s.logs[taskId] {
		if e.SequenceNumber > afterSequence {
			out = append(out, e)
		}
	}
	return out, nil
}

// StatusAudits returns a defensive copy of taskId's StatusAudit trail, in
// the order written. Not part of the Storage interface; exposed for tests
// and administrative tooling built directly against MemoryStore.
func (s *MemoryStore) StatusAudits(taskId string) []StatusAudit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StatusAudit(nil), s.statusAudits[taskId]...)
}

// RunAudits returns a defensive copy of taskId's RunAudit trail.
func (s *MemoryStore) RunAudits(taskId string) []RunAudit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RunAudit(nil), s.runAudits[taskId]...)
}

// SkippedOccurrences returns a defensive copy of taskId's recorded skipped
// occurrences. Not part of the Storage interface; exposed for tests and
// administrative tooling built directly against MemoryStore.
func (s *MemoryStore) SkippedOccurrences(taskId string) []SkippedOccurrence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SkippedOccurrence(nil), s.skipped[taskId]...)
}

func (s *MemoryStore) RecordSkippedOccurrences(ctx context.Context, taskId string, dueTimes []time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, due := range dueTimes {
		s.skipped[taskId] = append(s.skipped[taskId], SkippedOccurrence{
			TaskId:      taskId,
			DueUtc:      due,
			RecordedUtc: now,
		})
	}
	return nil
}
