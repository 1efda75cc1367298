package store

import "time"

// Status is the lifecycle state of a PersistedTask.
type Status string

const (
	StatusWaitingQueue   Status = "WaitingQueue"
	StatusQueued         Status = "Queued"
	StatusInProgress     Status = "InProgress"
	StatusCompleted      Status = "Completed"
	StatusFailed         Status = "Failed"
	StatusCancelled      Status = "Cancelled"
	StatusServiceStopped Status = "ServiceStopped"
	// StatusPending is an alias for WaitingQueue used while scanning recovery
	// pages; storage implementations may persist either value interchangeably.
	StatusPending Status = "Pending"
)

// RecoveryEligibleStatuses lists the statuses RetrievePending must return.
var RecoveryEligibleStatuses = []Status{
	StatusWaitingQueue, StatusQueued, StatusInProgress, StatusServiceStopped, StatusPending,
}

// Terminal reports whether s is a terminal status a TaskKey lookup should
// ignore when checking for an existing non-terminal duplicate.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// AuditLevel controls which audit rows a storage implementation writes for a
// task's transitions and runs.
type AuditLevel string

const (
	AuditNone       AuditLevel = "None"
	AuditFull       AuditLevel = "Full"
	AuditMinimal    AuditLevel = "Minimal"
	AuditErrorsOnly AuditLevel = "ErrorsOnly"
)

// PersistedTask is one row per Dispatch call, owned by Storage. In-memory
// handles elsewhere in the engine (queue descriptors, scheduler entries,
// cancellation registry entries) are weak references by Id; losing them
// never loses the task.
type PersistedTask struct {
	Id      string `json:"id" db:"id"`
	TaskKey string `json:"task_key,omitempty" db:"task_key"`

	RequestPayload  []byte `json:"request_payload" db:"request_payload"`
	RequestTypeName string `json:"request_type_name" db:"request_type_name"`
	HandlerTypeName string `json:"handler_type_name" db:"handler_type_name"`

	QueueName string `json:"queue_name" db:"queue_name"`
	Status    Status `json:"status" db:"status"`

	ScheduledExecutionUtc *time.Time `json:"scheduled_execution_utc,omitempty" db:"scheduled_execution_utc"`

	IsRecurring     bool       `json:"is_recurring" db:"is_recurring"`
	RecurringSpec   []byte     `json:"recurring_spec,omitempty" db:"recurring_spec"` // encoded recurring.Spec
	MaxRuns         int        `json:"max_runs,omitempty" db:"max_runs"`
	RunUntilUtc     *time.Time `json:"run_until_utc,omitempty" db:"run_until_utc"`
	CurrentRunCount int        `json:"current_run_count" db:"current_run_count"`
	NextRunUtc      *time.Time `json:"next_run_utc,omitempty" db:"next_run_utc"`

	AuditLevel AuditLevel `json:"audit_level" db:"audit_level"`

	CreatedAtUtc     time.Time  `json:"created_at_utc" db:"created_at_utc"`
	LastExecutionUtc *time.Time `json:"last_execution_utc,omitempty" db:"last_execution_utc"`
	Exception        string     `json:"exception,omitempty" db:"exception"`
}

// StatusAudit is an append-only row recorded per status transition. Order
// per task is creation order, oldest first; storage must never reorder
// these rows for a given task.
type StatusAudit struct {
	TaskId       string    `json:"task_id" db:"task_id"`
	NewStatus    Status    `json:"new_status" db:"new_status"`
	UpdatedAtUtc time.Time `json:"updated_at_utc" db:"updated_at_utc"`
	Exception    string    `json:"exception,omitempty" db:"exception"`
}

// RunAudit is an append-only row per execution attempt, most useful for
// recurring tasks. Storage orders rows by ExecutedAtUtc; UIs may present
// newest-first.
type RunAudit struct {
	TaskId      string    `json:"task_id" db:"task_id"`
	Status      Status    `json:"status" db:"status"`
	ExecutedAtUtc time.Time `json:"executed_at_utc" db:"executed_at_utc"`
	Exception   string    `json:"exception,omitempty" db:"exception"`
	DurationMs  int64     `json:"duration_ms,omitempty" db:"duration_ms"`
}

// ExecutionLogEntry is an optional per-task log line. SequenceNumber is
// strictly increasing per TaskId starting at 0.
type ExecutionLogEntry struct {
	TaskId           string    `json:"task_id" db:"task_id"`
	SequenceNumber   int       `json:"sequence_number" db:"sequence_number"`
	TimestampUtc     time.Time `json:"timestamp_utc" db:"timestamp_utc"`
	Level            string    `json:"level" db:"level"` // Information, Warning, Error
	Message          string    `json:"message" db:"message"`
	ExceptionDetails string    `json:"exception_details,omitempty" db:"exception_details"`
}

// SkippedOccurrence records a recurring due time that elapsed while the
// service was down and is not going to be replayed.
type SkippedOccurrence struct {
	TaskId      string    `json:"task_id" db:"task_id"`
	DueUtc      time.Time `json:"due_utc" db:"due_utc"`
	RecordedUtc time.Time `json:"recorded_utc" db:"recorded_utc"`
}

// Page is a cursor-paged read result over tasks ordered by
// (CreatedAtUtc, Id) ascending.
type Page struct {
	Tasks        []*PersistedTask
	LastCreatedAtUtc time.Time
	LastId       string
	HasMore      bool
}
