package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const enqueueJobSQL = `
INSERT INTO indexing_jobs (id, folder_id, file_id, priority, max_attempts)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (file_id) WHERE status IN ('pending', 'processing') DO NOTHING`

// EnqueueJob queues ingest work for a file. The partial unique index on active
// jobs makes this idempotent: a file with a pending or processing job is left
// alone, and the method reports whether a row was inserted.
func (s *Store) EnqueueJob(ctx context.Context, folderID, fileID uuid.UUID, priority, maxAttempts int) (bool, error) {
	res, err := s.db.ExecContext(ctx, enqueueJobSQL,
		uuid.New(), folderID, fileID, priority, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const jobColumns = `id, folder_id, file_id, status, priority, attempts, max_attempts,
       last_error, retry_after, created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*IndexingJob, error) {
	var j IndexingJob
	err := row.Scan(&j.ID, &j.FolderID, &j.FileID, &j.Status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.RetryAfter,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return &j, nil
}

// Claim order is priority first, then age. FOR UPDATE SKIP LOCKED lets
// concurrent workers claim disjoint jobs without lock contention.
const claimJobSQL = `
UPDATE indexing_jobs SET
    status = 'processing',
    attempts = attempts + 1,
    started_at = NOW(),
    retry_after = NULL
WHERE id = (
    SELECT id FROM indexing_jobs
    WHERE status = 'pending'
      AND (retry_after IS NULL OR retry_after <= NOW())
      AND attempts < max_attempts
    ORDER BY priority DESC, created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + jobColumns

// ClaimJob atomically claims the next runnable job, incrementing its attempt
// counter. Returns ErrNoJob when the queue has nothing runnable.
func (s *Store) ClaimJob(ctx context.Context) (*IndexingJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, claimJobSQL))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoJob
	}
	return j, err
}

// CompleteJob marks a job finished.
func (s *Store) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE indexing_jobs SET status = 'completed', completed_at = NOW()
WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryJob returns a job to the queue with a backoff gate and the error that
// sent it there.
func (s *Store) RetryJob(ctx context.Context, jobID uuid.UUID, lastError string, retryAfter time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE indexing_jobs SET status = 'pending', last_error = $2, retry_after = $3
WHERE id = $1`, jobID, lastError, retryAfter)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob terminates a job permanently.
func (s *Store) FailJob(ctx context.Context, jobID uuid.UUID, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE indexing_jobs SET status = 'failed', last_error = $2, completed_at = NOW()
WHERE id = $1`, jobID, lastError)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const staleJobsSQL = `
SELECT id, folder_id, file_id, attempts, max_attempts FROM indexing_jobs
WHERE status = 'processing' AND started_at < NOW() - $1::interval
FOR UPDATE SKIP LOCKED`

// RequeueStaleJobs sweeps jobs whose worker died mid-processing. A job
// processing longer than the deadline is presumed orphaned: with attempts
// left it returns to the queue, but a job already on its final attempt would
// never pass the claim gate again, so it is failed outright, its file marked
// failed, and a dead-letter entry recorded.
func (s *Store) RequeueStaleJobs(ctx context.Context, deadline time.Duration) (int, error) {
	const reason = "worker deadline exceeded"
	cutoff := fmt.Sprintf("%d seconds", int(deadline.Seconds()))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin stale-job sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, staleJobsSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find stale jobs: %w", err)
	}
	type staleJob struct {
		id, folderID, fileID  uuid.UUID
		attempts, maxAttempts int
	}
	var stale []staleJob
	for rows.Next() {
		var j staleJob
		if err := rows.Scan(&j.id, &j.folderID, &j.fileID, &j.attempts, &j.maxAttempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan stale job: %w", err)
		}
		stale = append(stale, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read stale jobs: %w", err)
	}

	for _, j := range stale {
		if j.attempts < j.maxAttempts {
			_, err = tx.ExecContext(ctx, `
UPDATE indexing_jobs SET status = 'pending', last_error = $2 WHERE id = $1`, j.id, reason)
			if err != nil {
				return 0, fmt.Errorf("failed to requeue stale job: %w", err)
			}
			continue
		}

		_, err = tx.ExecContext(ctx, `
UPDATE indexing_jobs SET status = 'failed', last_error = $2, completed_at = NOW()
WHERE id = $1`, j.id, reason)
		if err != nil {
			return 0, fmt.Errorf("failed to fail exhausted stale job: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `
UPDATE files SET status = 'failed' WHERE id = $1`, j.fileID); err != nil {
			return 0, fmt.Errorf("failed to mark stale job file failed: %w", err)
		}
		args, _ := json.Marshal(map[string]string{
			"folder_id": j.folderID.String(),
			"file_id":   j.fileID.String(),
		})
		_, err = tx.ExecContext(ctx, recordFailureSQL,
			uuid.New(), j.id.String(), "index_file", string(args), "timeout", reason, "", j.attempts)
		if err != nil {
			return 0, fmt.Errorf("failed to record stale-job dead-letter entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit stale-job sweep: %w", err)
	}
	return len(stale), nil
}

// QueueDepth reports runnable pending jobs, for metrics.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM indexing_jobs
WHERE status = 'pending' AND (retry_after IS NULL OR retry_after <= NOW())`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return n, nil
}
