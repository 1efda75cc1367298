package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Storage over a PostgreSQL backend, the engine's
// durable storage tier.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Schema is the DDL PostgresStore expects. Callers apply it with their own
// migration tooling; this package does not run migrations itself.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	task_key TEXT,
	request_payload BYTEA,
	request_type_name TEXT NOT NULL,
	handler_type_name TEXT NOT NULL,
	queue_name TEXT NOT NULL,
	status TEXT NOT NULL,
	scheduled_execution_utc TIMESTAMPTZ,
	is_recurring BOOLEAN NOT NULL DEFAULT FALSE,
	recurring_spec BYTEA,
	max_runs INT,
	run_until_utc TIMESTAMPTZ,
	current_run_count INT NOT NULL DEFAULT 0,
	next_run_utc TIMESTAMPTZ,
	audit_level TEXT NOT NULL,
	created_at_utc TIMESTAMPTZ NOT NULL,
	last_execution_utc TIMESTAMPTZ,
	exception TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_created_id ON tasks (created_at_utc, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_task_key ON tasks (task_key)
	WHERE task_key IS NOT NULL AND status NOT IN ('Completed', 'Failed', 'Cancelled');

CREATE TABLE IF NOT EXISTS status_audits (
	task_id TEXT NOT NULL,
	new_status TEXT NOT NULL,
	updated_at_utc TIMESTAMPTZ NOT NULL,
	exception TEXT
);
CREATE INDEX IF NOT EXISTS idx_status_audits_task ON status_audits (task_id, updated_at_utc);

CREATE TABLE IF NOT EXISTS run_audits (
	task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	executed_at_utc TIMESTAMPTZ NOT NULL,
	exception TEXT,
	duration_ms BIGINT
);
CREATE INDEX IF NOT EXISTS idx_run_audits_task ON run_audits (task_id, executed_at_utc);

CREATE TABLE IF NOT EXISTS execution_logs (
	task_id TEXT NOT NULL,
	sequence_number INT NOT NULL,
	timestamp_utc TIMESTAMPTZ NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	exception_details TEXT,
	PRIMARY KEY (task_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS skipped_occurrences (
	task_id TEXT NOT NULL,
	due_utc TIMESTAMPTZ NOT NULL,
	recorded_utc TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore dials a connection pool tuned for an embedded engine:
// a moderate ceiling of 20 connections, hourly connection recycling and a
// 30s health check, so the pool never outgrows the host process it is
// embedded in.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func (s *PostgresStore) Persist(ctx context.Context, task *PersistedTask) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if task.TaskKey != "" {
		var existing string
		err := tx.QueryRow(ctx, `SELECT id FROM tasks WHERE task_key = $1 AND status NOT IN ('Completed','Failed','Cancelled')`, task.TaskKey).Scan(&existing)
		if err == nil {
			return ErrDuplicateTaskKey
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
	}

	var taskKey interface{}
	if task.TaskKey != "" {
		taskKey = task.TaskKey
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, task_key, request_payload, request_type_name, handler_type_name,
			queue_name, status, scheduled_execution_utc, is_recurring, recurring_spec, max_runs,
			run_until_utc, current_run_count, next_run_utc, audit_level, created_at_utc,
			last_execution_utc, exception)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		task.Id, taskKey, task.RequestPayload, task.RequestTypeName, task.HandlerTypeName,
		task.QueueName, task.Status, nullableTime(task.ScheduledExecutionUtc), task.IsRecurring,
		task.RecurringSpec, task.MaxRuns, nullableTime(task.RunUntilUtc), task.CurrentRunCount,
		nullableTime(task.NextRunUtc), task.AuditLevel, task.CreatedAtUtc,
		nullableTime(task.LastExecutionUtc), task.Exception)
	if err != nil {
		return err
	}

	if err := s.writeStatusAudit(ctx, tx, task.AuditLevel, task.Id, task.Status, ""); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) writeStatusAudit(ctx context.Context, tx pgx.Tx, level AuditLevel, taskId string, status Status, exception string) error {
	if level == AuditNone {
		return nil
	}
	if level == AuditErrorsOnly && exception == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `INSERT INTO status_audits (task_id, new_status, updated_at_utc, exception) VALUES ($1,$2,$3,$4)`,
		taskId, status, time.Now().UTC(), exception)
	return err
}

func (s *PostgresStore) auditLevel(ctx context.Context, taskId string) (AuditLevel, error) {
	var level AuditLevel
	err := s.pool.QueryRow(ctx, `SELECT audit_level FROM tasks WHERE id = $1`, taskId).Scan(&level)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return level, err
}

func (s *PostgresStore) SetStatus(ctx context.Context, taskId string, status Status, exception string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var level AuditLevel
	var exc *string
	if exception != "" {
		exc = &exception
	}
	row := tx.QueryRow(ctx, `
		UPDATE tasks SET status = $2, exception = COALESCE($3, exception),
			last_execution_utc = CASE WHEN $2 IN ('Completed','Failed','Cancelled','ServiceStopped') THEN NOW() ELSE last_execution_utc END
		WHERE id = $1
		RETURNING audit_level`, taskId, status, exc)
	if err := row.Scan(&level); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	if err := s.writeStatusAudit(ctx, tx, level, taskId, status, exception); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetQueued(ctx context.Context, taskId string) error {
	return s.SetStatus(ctx, taskId, StatusQueued, "")
}

func (s *PostgresStore) SetInProgress(ctx context.Context, taskId string) error {
	return s.SetStatus(ctx, taskId, StatusInProgress, "")
}

func (s *PostgresStore) SetCompleted(ctx context.Context, taskId string, durationMs int64) error {
	if err := s.SetStatus(ctx, taskId, StatusCompleted, ""); err != nil {
		return err
	}
	return s.UpdateCurrentRun(ctx, taskId, StatusCompleted, "", durationMs, nil)
}

func (s *PostgresStore) SetFailed(ctx context.Context, taskId string, exception string, durationMs int64) error {
	if err := s.SetStatus(ctx, taskId, StatusFailed, exception); err != nil {
		return err
	}
	return s.UpdateCurrentRun(ctx, taskId, StatusFailed, exception, durationMs, nil)
}

func (s *PostgresStore) SetCancelledByUser(ctx context.Context, taskId string, reason string) error {
	return s.SetStatus(ctx, taskId, StatusCancelled, reason)
}

func (s *PostgresStore) SetCancelledByService(ctx context.Context, taskId string) error {
	return s.SetStatus(ctx, taskId, StatusServiceStopped, "")
}

func (s *PostgresStore) UpdateCurrentRun(ctx context.Context, taskId string, status Status, exception string, durationMs int64, nextRunUtc *time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var level AuditLevel
	row := tx.QueryRow(ctx, `
		UPDATE tasks SET current_run_count = current_run_count + 1,
			next_run_utc = COALESCE($2, next_run_utc)
		WHERE id = $1
		RETURNING audit_level`, taskId, nullableTime(nextRunUtc))
	if err := row.Scan(&level); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	if level != AuditNone && !(level == AuditErrorsOnly && exception == "") {
		_, err := tx.Exec(ctx, `INSERT INTO run_audits (task_id, status, executed_at_utc, exception, duration_ms) VALUES ($1,$2,$3,$4,$5)`,
			taskId, status, time.Now().UTC(), exception, durationMs)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RetrievePending(ctx context.Context, lastCreatedAtUtc time.Time, lastId string, take int) (Page, error) {
	if take <= 0 {
		take = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_key, request_payload, request_type_name, handler_type_name, queue_name,
			status, scheduled_execution_utc, is_recurring, recurring_spec, max_runs, run_until_utc,
			current_run_count, next_run_utc, audit_level, created_at_utc, last_execution_utc, exception
		FROM tasks
		WHERE status = ANY($1)
			AND (created_at_utc, id) > ($2, $3)
		ORDER BY created_at_utc ASC, id ASC
		LIMIT $4`,
		statusStrings(RecoveryEligibleStatuses), lastCreatedAtUtc, lastId, take+1)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return Page{}, err
		}
		page.Tasks = append(page.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
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

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*PersistedTask, error) {
	var t PersistedTask
	var taskKey *string
	err := row.Scan(&t.Id, &taskKey, &t.RequestPayload, &t.RequestTypeName, &t.HandlerTypeName,
		&t.QueueName, &t.Status, &t.ScheduledExecutionUtc, &t.IsRecurring, &t.RecurringSpec,
		&t.MaxRuns, &t.RunUntilUtc, &t.CurrentRunCount, &t.NextRunUtc, &t.AuditLevel,
		&t.CreatedAtUtc, &t.LastExecutionUtc, &t.Exception)
	if err != nil {
		return nil, err
	}
	if taskKey != nil {
		t.TaskKey = *taskKey
	}
	return &t, nil
}

func (s *PostgresStore) GetByTaskKey(ctx context.Context, taskKey string) (*PersistedTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_key, request_payload, request_type_name, handler_type_name, queue_name,
			status, scheduled_execution_utc, is_recurring, recurring_spec, max_runs, run_until_utc,
			current_run_count, next_run_utc, audit_level, created_at_utc, last_execution_utc, exception
		FROM tasks WHERE task_key = $1 AND status NOT IN ('Completed','Failed','Cancelled')`, taskKey)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) GetByID(ctx context.Context, taskId string) (*PersistedTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_key, request_payload, request_type_name, handler_type_name, queue_name,
			status, scheduled_execution_utc, is_recurring, recurring_spec, max_runs, run_until_utc,
			current_run_count, next_run_utc, audit_level, created_at_utc, last_execution_utc, exception
		FROM tasks WHERE id = $1`, taskId)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) Remove(ctx context.Context, taskId string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, table := range []string{"execution_logs", "run_audits", "status_audits", "skipped_occurrences"} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE task_id = $1", taskId); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskId); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, pred func(*PersistedTask) bool) ([]*PersistedTask, error) {
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

func (s *PostgresStore) GetAll(ctx context.Context) ([]*PersistedTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_key, request_payload, request_type_name, handler_type_name, queue_name,
			status, scheduled_execution_utc, is_recurring, recurring_spec, max_runs, run_until_utc,
			current_run_count, next_run_utc, audit_level, created_at_utc, last_execution_utc, exception
		FROM tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PersistedTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveExecutionLogs(ctx context.Context, taskId string, entries []ExecutionLogEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var next int
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence_number)+1, 0) FROM execution_logs WHERE task_id = $1`, taskId).Scan(&next)
	if err != nil {
		return err
	}
	for i, e := range entries {
		_, err := tx.Exec(ctx, `INSERT INTO execution_logs (task_id, sequence_number, timestamp_utc, level, message, exception_details) VALUES ($1,$2,$3,$4,$5,$6)`,
			taskId, next+i, e.TimestampUtc, e.Level, e.Message, e.ExceptionDetails)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetExecutionLogs(ctx context.Context, taskId string, afterSequence int) ([]ExecutionLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, sequence_number, timestamp_utc, level, message, exception_details
		FROM execution_logs WHERE task_id = $1 AND sequence_number > $2 ORDER BY sequence_number ASC`, taskId, afterSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExecutionLogEntry
	for rows.Next() {
		var e ExecutionLogEntry
		if err := rows.Scan(&e.TaskId, &e.SequenceNumber, &e.TimestampUtc, &e.Level, &e.Message, &e.ExceptionDetails); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordSkippedOccurrences(ctx context.Context, taskId string, dueTimes []time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	now := time.Now().UTC()
	for _, due := range dueTimes {
		_, err := tx.Exec(ctx, `INSERT INTO skipped_occurrences (task_id, due_utc, recorded_utc) VALUES ($1,$2,$3)`, taskId, due, now)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
