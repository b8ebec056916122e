package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const recordFailureSQL = `
INSERT INTO failed_tasks (id, task_id, task_name, args, exception_type, message, traceback, retries)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (task_id) DO UPDATE SET
    exception_type = EXCLUDED.exception_type,
    message = EXCLUDED.message,
    traceback = EXCLUDED.traceback,
    retries = EXCLUDED.retries,
    failed_at = NOW(),
    resolved_at = NULL,
    resolution_notes = ''`

// RecordFailure writes a dead-letter entry, keyed by task ID so a task that
// fails again after manual requeue overwrites its previous entry.
func (s *Store) RecordFailure(ctx context.Context, t *FailedTask) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, recordFailureSQL,
		t.ID, t.TaskID, t.TaskName, t.Args, t.ExceptionType, t.Message, t.Traceback, t.Retries)
	if err != nil {
		return fmt.Errorf("failed to record dead-letter entry: %w", err)
	}
	return nil
}

const failedTaskColumns = `id, task_id, task_name, args, exception_type, message, traceback,
       retries, failed_at, resolved_at, resolution_notes`

func scanFailedTask(row interface{ Scan(...any) error }) (*FailedTask, error) {
	var t FailedTask
	err := row.Scan(&t.ID, &t.TaskID, &t.TaskName, &t.Args, &t.ExceptionType,
		&t.Message, &t.Traceback, &t.Retries, &t.FailedAt, &t.ResolvedAt, &t.ResolutionNotes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dead-letter entry: %w", err)
	}
	return &t, nil
}

// GetFailedTask looks up a dead-letter entry by task ID.
func (s *Store) GetFailedTask(ctx context.Context, taskID string) (*FailedTask, error) {
	query := `SELECT ` + failedTaskColumns + ` FROM failed_tasks WHERE task_id = $1`
	return scanFailedTask(s.db.QueryRowContext(ctx, query, taskID))
}

// ListFailedTasks returns unresolved dead-letter entries, newest first.
func (s *Store) ListFailedTasks(ctx context.Context, limit int) ([]*FailedTask, error) {
	query := `SELECT ` + failedTaskColumns + ` FROM failed_tasks
WHERE resolved_at IS NULL ORDER BY failed_at DESC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-letter entries: %w", err)
	}
	defer rows.Close()

	var tasks []*FailedTask
	for rows.Next() {
		t, err := scanFailedTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ResolveFailedTask marks an entry handled, with operator notes.
func (s *Store) ResolveFailedTask(ctx context.Context, taskID, notes string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE failed_tasks SET resolved_at = NOW(), resolution_notes = $2
WHERE task_id = $1 AND resolved_at IS NULL`, taskID, notes)
	if err != nil {
		return fmt.Errorf("failed to resolve dead-letter entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DLQStat aggregates unresolved failures by task name.
type DLQStat struct {
	TaskName string
	Count    int
}

// DLQStats summarizes the unresolved dead-letter queue.
func (s *Store) DLQStats(ctx context.Context) ([]DLQStat, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT task_name, COUNT(*) FROM failed_tasks
WHERE resolved_at IS NULL GROUP BY task_name ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter stats: %w", err)
	}
	defer rows.Close()

	var stats []DLQStat
	for rows.Next() {
		var st DLQStat
		if err := rows.Scan(&st.TaskName, &st.Count); err != nil {
			return nil, fmt.Errorf("failed to scan dead-letter stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
