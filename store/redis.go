package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Storage over Redis, the engine's ephemeral/fast
// tier: task bodies are JSON strings, one key per task, the task-key index
// is a hash, the recovery cursor is a sorted set
// keyed by CreatedAtUtc, and audit trails are append-only lists.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client exposes the underlying Redis client so callers can build
// complementary backends (e.g. NewRedisIdempotencyBackend) against the same
// connection instead of opening a second one.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func taskKey(id string) string       { return "taskengine:task:" + id }
func taskKeyIndexKey() string        { return "taskengine:task_key_index" }
func pendingZSetKey() string         { return "taskengine:pending" }
func statusAuditsKey(id string) string { return "taskengine:status_audits:" + id }
func runAuditsKey(id string) string    { return "taskengine:run_audits:" + id }
func logsKey(id string) string         { return "taskengine:logs:" + id }
func skippedKey(id string) string      { return "taskengine:skipped:" + id }

// cursorScore packs CreatedAtUtc into a sortable float64 score; ties are
// broken client-side by Id since Redis sorted-set scores carry no secondary
// component.
func cursorScore(t time.Time) float64 {
	return float64(t.UnixNano())
}

func (s *RedisStore) Persist(ctx context.Context, task *PersistedTask) error {
	if task.TaskKey != "" {
		existingID, err := s.client.HGet(ctx, taskKeyIndexKey(), task.TaskKey).Result()
		if err == nil && existingID != "" {
			existing, err := s.GetByID(ctx, existingID)
			if err == nil && !existing.Status.Terminal() {
				return ErrDuplicateTaskKey
			}
		} else if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("redis store: encode task: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, taskKey(task.Id), body, 0)
	if isRecoveryEligible(task.Status) {
		pipe.ZAdd(ctx, pendingZSetKey(), redis.Z{Score: cursorScore(task.CreatedAtUtc), Member: task.Id})
	}
	if task.TaskKey != "" {
		pipe.HSet(ctx, taskKeyIndexKey(), task.TaskKey, task.Id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: persist: %w", err)
	}
	return s.appendStatusAudit(ctx, task.AuditLevel, task.Id, task.Status, "")
}

func isRecoveryEligible(status Status) bool {
	for _, s := range RecoveryEligibleStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (s *RedisStore) appendStatusAudit(ctx context.Context, level AuditLevel, taskId string, status Status, exception string) error {
	if level == AuditNone || (level == AuditErrorsOnly && exception == "") {
		return nil
	}
	row, _ := json.Marshal(StatusAudit{TaskId: taskId, NewStatus: status, UpdatedAtUtc: time.Now().UTC(), Exception: exception})
	return s.client.RPush(ctx, statusAuditsKey(taskId), row).Err()
}

func (s *RedisStore) mutateTask(ctx context.Context, taskId string, mutate func(*PersistedTask)) (*PersistedTask, error) {
	raw, err := s.client.Get(ctx, taskKey(taskId)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var task PersistedTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("redis store: decode task: %w", err)
	}
	mutate(&task)
	body, err := json.Marshal(&task)
	if err != nil {
		return nil, err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, taskKey(taskId), body, 0)
	if isRecoveryEligible(task.Status) {
		pipe.ZAdd(ctx, pendingZSetKey(), redis.Z{Score: cursorScore(task.CreatedAtUtc), Member: task.Id})
	} else {
		pipe.ZRem(ctx, pendingZSetKey(), task.Id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, taskId string, status Status, exception string) error {
	task, err := s.mutateTask(ctx, taskId, func(t *PersistedTask) {
		t.Status = status
		if exception != "" {
			t.Exception = exception
		}
		if status.Terminal() || status == StatusServiceStopped {
			now := time.Now().UTC()
			t.LastExecutionUtc = &now
		}
	})
	if err != nil {
		return err
	}
	return s.appendStatusAudit(ctx, task.AuditLevel, taskId, status, exception)
}

func (s *RedisStore) SetQueued(ctx context.Context, taskId string) error     { return s.SetStatus(ctx, taskId, StatusQueued, "") }
func (s *RedisStore) SetInProgress(ctx context.Context, taskId string) error { return s.SetStatus(ctx, taskId, StatusInProgress, "") }

func (s *RedisStore) SetCompleted(ctx context.Context, taskId string, durationMs int64) error {
	if err := s.SetStatus(ctx, taskId, StatusCompleted, ""); err != nil {
		return err
	}
	return s.UpdateCurrentRun(ctx, taskId, StatusCompleted, "", durationMs, nil)
}

func (s *RedisStore) SetFailed(ctx context.Context, taskId string, exception string, durationMs int64) error {
	if err := s.SetStatus(ctx, taskId, StatusFailed, exception); err != nil {
		return err
	}
	return s.UpdateCurrentRun(ctx, taskId, StatusFailed, exception, durationMs, nil)
}

func (s *RedisStore) SetCancelledByUser(ctx context.Context, taskId string, reason string) error {
	return s.SetStatus(ctx, taskId, StatusCancelled, reason)
}

func (s *RedisStore) SetCancelledByService(ctx context.Context, taskId string) error {
	return s.SetStatus(ctx, taskId, StatusServiceStopped, "")
}

func (s *RedisStore) UpdateCurrentRun(ctx context.Context, taskId string, status Status, exception string, durationMs int64, nextRunUtc *time.Time) error {
	task, err := s.mutateTask(ctx, taskId, func(t *PersistedTask) {
		t.CurrentRunCount++
		if nextRunUtc != nil {
			t.NextRunUtc = nextRunUtc
		}
	})
	if err != nil {
		return err
	}
	if task.AuditLevel == AuditNone || (task.AuditLevel == AuditErrorsOnly && exception == "") {
		return nil
	}
	row, _ := json.Marshal(RunAudit{TaskId: taskId, Status: status, ExecutedAtUtc: time.Now().UTC(), Exception: exception, DurationMs: durationMs})
	return s.client.RPush(ctx, runAuditsKey(taskId), row).Err()
}

func (s *RedisStore) RetrievePending(ctx context.Context, lastCreatedAtUtc time.Time, lastId string, take int) (Page, error) {
	if take <= 0 {
		take = 100
	}
	min := "-inf"
	var ties int64
	if !lastCreatedAtUtc.IsZero() {
		exact := fmt.Sprintf("%d", int64(cursorScore(lastCreatedAtUtc)))
		min = exact
		// Entries sharing the cursor's score are read again and filtered by Id below.
		var err error
		if ties, err = s.client.ZCount(ctx, pendingZSetKey(), exact, exact).Result(); err != nil {
			return Page{}, err
		}
	}
	ids, err := s.client.ZRangeByScore(ctx, pendingZSetKey(), &redis.ZRangeBy{
		Min: min, Max: "+inf", Offset: 0, Count: int64(take+1) + ties,
	}).Result()
	if err != nil {
		return Page{}, err
	}

	var page Page
	for _, id := range ids {
		t, err := s.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Page{}, err
		}
		if !lastCreatedAtUtc.IsZero() && cursorScore(t.CreatedAtUtc) == cursorScore(lastCreatedAtUtc) && t.Id <= lastId {
			continue
		}
		page.Tasks = append(page.Tasks, t)
		if len(page.Tasks) > take {
			break
		}
	}
	if len(page.Tasks) > take {
		page.Tasks = page.Tasks[:take]
		page.HasMore = true
	}
	if len(page.Tasks) > 0 {
		last := page.Tasks[len(page.Tasks)-1]
		page.LastCreatedAtUtc = last.CreatedAtUtc
		page.LastId = last.Id
	}
	return page, nil
}

func (s *RedisStore) GetByTaskKey(ctx context.Context, taskKeyVal string) (*PersistedTask, error) {
	id, err := s.client.HGet(ctx, taskKeyIndexKey(), taskKeyVal).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	task, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, ErrNotFound
	}
	return task, nil
}

func (s *RedisStore) GetByID(ctx context.Context, taskId string) (*PersistedTask, error) {
	raw, err := s.client.Get(ctx, taskKey(taskId)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var task PersistedTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *RedisStore) Remove(ctx context.Context, taskId string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, taskKey(taskId), statusAuditsKey(taskId), runAuditsKey(taskId), logsKey(taskId), skippedKey(taskId))
	pipe.ZRem(ctx, pendingZSetKey(), taskId)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, pred func(*PersistedTask) bool) ([]*PersistedTask, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*PersistedTask
	for _, t := range all {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *RedisStore) GetAll(ctx context.Context) ([]*PersistedTask, error) {
	var out []*PersistedTask
	iter := s.client.Scan(ctx, 0, "taskengine:task:*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var t PersistedTask
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, iter.Err()
}

func (s *RedisStore) SaveExecutionLogs(ctx context.Context, taskId string, entries []ExecutionLogEntry) error {
	length, err := s.client.LLen(ctx, logsKey(taskId)).Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for i, e := range entries {
		e.SequenceNumber = int(length) + i
		row, err := json.Marshal(e)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, logsKey(taskId), row)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetExecutionLogs(ctx context.Context, taskId string, afterSequence int) ([]ExecutionLogEntry, error) {
	rows, err := s.client.LRange(ctx, logsKey(taskId), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []ExecutionLogEntry
	for _, row := range rows {
		var e ExecutionLogEntry
		if err := json.Unmarshal([]byte(row), &e); err != nil {
			continue
		}
		if e.SequenceNumber > afterSequence {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *RedisStore) RecordSkippedOccurrences(ctx context.Context, taskId string, dueTimes []time.Time) error {
	pipe := s.client.TxPipeline()
	now := time.Now().UTC()
	for _, due := range dueTimes {
		row, err := json.Marshal(SkippedOccurrence{TaskId: taskId, DueUtc: due, RecordedUtc: now})
		if err != nil {
			return err
		}
		pipe.RPush(ctx, skippedKey(taskId), row)
	}
	_, err := pipe.Exec(ctx)
	return err
}
