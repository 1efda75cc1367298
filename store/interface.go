package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateTaskKey is returned by Persist when a non-terminal task with
// the same TaskKey already exists.
var ErrDuplicateTaskKey = errors.New("store: duplicate task key")

// Storage persists tasks and their audit trail. Method names below are
// indicative; semantics are binding. Implementations must be safe under
// concurrent callers and must never reorder StatusAudit rows for a given
// task.
type Storage interface {
	// Persist inserts a new task. Returns ErrDuplicateTaskKey if a
	// non-terminal task with the same TaskKey already exists.
	Persist(ctx context.Context, task *PersistedTask) error

	// SetStatus updates status and appends a StatusAudit row subject to
	// the task's AuditLevel.
	SetStatus(ctx context.Context, taskId string, status Status, exception string) error

	SetQueued(ctx context.Context, taskId string) error
	SetInProgress(ctx context.Context, taskId string) error
	SetCompleted(ctx context.Context, taskId string, durationMs int64) error
	SetFailed(ctx context.Context, taskId string, exception string, durationMs int64) error
	SetCancelledByUser(ctx context.Context, taskId string, reason string) error
	SetCancelledByService(ctx context.Context, taskId string) error

	// UpdateCurrentRun increments CurrentRunCount, appends a RunAudit row,
	// and optionally advances NextRunUtc (nil leaves it unchanged; a
	// non-nil zero-ish time means "no further run").
	UpdateCurrentRun(ctx context.Context, taskId string, status Status, exception string, durationMs int64, nextRunUtc *time.Time) error

	// RetrievePending pages through recovery-eligible tasks ordered by
	// (CreatedAtUtc, Id) ascending. A zero lastCreatedAtUtc and empty
	// lastId start from the beginning.
	RetrievePending(ctx context.Context, lastCreatedAtUtc time.Time, lastId string, take int) (Page, error)

	// GetByTaskKey looks up a task by its idempotency key, for non-terminal
	// duplicate detection.
	GetByTaskKey(ctx context.Context, taskKey string) (*PersistedTask, error)

	// GetByID returns a single task by id.
	GetByID(ctx context.Context, taskId string) (*PersistedTask, error)

	// Remove deletes a task and its owned audit/log rows.
	Remove(ctx context.Context, taskId string) error

	// Get returns every task matching pred. Intended for tests and small
	// administrative surfaces, not hot paths.
	Get(ctx context.Context, pred func(*PersistedTask) bool) ([]*PersistedTask, error)

	// GetAll returns every task. Intended for tests and small
	// administrative surfaces, not hot paths.
	GetAll(ctx context.Context) ([]*PersistedTask, error)

	SaveExecutionLogs(ctx context.Context, taskId string, entries []ExecutionLogEntry) error
	GetExecutionLogs(ctx context.Context, taskId string, afterSequence int) ([]ExecutionLogEntry, error)

	// RecordSkippedOccurrences persists due times that elapsed without
	// running, for audit purposes; they are never replayed.
	RecordSkippedOccurrences(ctx context.Context, taskId string, dueTimes []time.Time) error
}
