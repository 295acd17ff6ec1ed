package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stackline/convey"
	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
	"github.com/stackline/convey/queue"
)

// Push persists a new pending job.
func (s *Store) Push(ctx context.Context, j *job.Job) error {
	var lease any
	if j.LeaseExpiresAt != nil {
		lease = j.LeaseExpiresAt.UnixNano()
	}
	claimedBy := ""
	if !j.ClaimedBy.IsNil() {
		claimedBy = j.ClaimedBy.String()
	}

	_, err := s.execWithRetry(ctx, `
		INSERT INTO convey_jobs (
			id, queue, handler, payload, status, priority, attempts,
			max_attempts, last_error, available_at, lease_expires_at,
			claimed_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.Queue, j.Handler, j.Payload, string(j.Status),
		j.Priority, j.Attempts, j.MaxAttempts, j.LastError,
		j.AvailableAt.UnixNano(), lease, claimedBy,
		j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return convey.ErrJobAlreadyExists
		}
		return fmt.Errorf("convey/sqlite: push job: %w", err)
	}
	return nil
}

// Claim atomically acquires the most eligible pending job on the given
// queue. SQLite doesn't support FOR UPDATE SKIP LOCKED, but a single
// UPDATE with a subquery is atomic under its one-writer model.
func (s *Store) Claim(ctx context.Context, queueName string, worker id.WorkerID, lease time.Duration) (*job.Data, error) {
	now := s.clock()
	deadline := now.Add(lease)

	query := fmt.Sprintf(`
		UPDATE convey_jobs
		SET status = 'processing', lease_expires_at = ?, claimed_by = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM convey_jobs
			WHERE queue = ? AND status = 'pending' AND available_at <= ?
			ORDER BY priority DESC, available_at ASC, id ASC
			LIMIT 1
		)
		RETURNING %s`, jobColumns)

	var claimed *job.Job
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query,
			deadline.UnixNano(), worker.String(), now.UnixNano(),
			queueName, now.UnixNano(),
		)
		j, scanErr := scanJob(row)
		if scanErr != nil {
			return scanErr
		}
		claimed = j
		return nil
	})
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("convey/sqlite: claim job: %w", err)
	}

	data := claimed.Snapshot()
	return &data, nil
}

// Complete transitions a processing job to completed. The status guard
// in the WHERE clause is the conditional write: a row that is no longer
// processing is left untouched and the caller gets ErrInvalidTransition.
func (s *Store) Complete(ctx context.Context, jobID id.JobID) error {
	res, err := s.execWithRetry(ctx, `
		UPDATE convey_jobs
		SET status = 'completed', lease_expires_at = NULL, claimed_by = '', updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		s.clock().UnixNano(), jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("convey/sqlite: complete job: %w", err)
	}
	return s.transitionResult(ctx, res, jobID)
}

// Fail records a failed attempt. The attempt counter and the backoff
// delay depend on each other, so this reads the row and applies the
// conditional update inside one transaction.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, msg string, maxAttempts int) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("convey/sqlite: fail job: begin: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		var (
			status   string
			attempts int
		)
		err = tx.QueryRowContext(ctx,
			`SELECT status, attempts FROM convey_jobs WHERE id = ?`,
			jobID.String(),
		).Scan(&status, &attempts)
		if err != nil {
			if isNoRows(err) {
				return convey.ErrJobNotFound
			}
			return fmt.Errorf("convey/sqlite: fail job: read: %w", err)
		}
		if status != string(job.StatusProcessing) {
			return convey.ErrInvalidTransition
		}

		now := s.clock()
		attempts++

		newStatus := job.StatusPending
		availableAt := now.Add(s.retry.Delay(attempts))
		if attempts >= maxAttempts {
			newStatus = job.StatusFailed
			availableAt = now
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE convey_jobs
			SET status = ?, attempts = ?, max_attempts = ?, last_error = ?,
			    available_at = ?, lease_expires_at = NULL, claimed_by = '', updated_at = ?
			WHERE id = ? AND status = 'processing'`,
			string(newStatus), attempts, maxAttempts, msg,
			availableAt.UnixNano(), now.UnixNano(), jobID.String(),
		)
		if err != nil {
			return fmt.Errorf("convey/sqlite: fail job: write: %w", err)
		}
		rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		if rows == 0 {
			return convey.ErrInvalidTransition
		}
		return tx.Commit()
	})
}

// Release returns a processing job to pending without consuming an
// attempt, available again at now + delay.
func (s *Store) Release(ctx context.Context, jobID id.JobID, delay time.Duration) error {
	now := s.clock()
	res, err := s.execWithRetry(ctx, `
		UPDATE convey_jobs
		SET status = 'pending', available_at = ?, lease_expires_at = NULL, claimed_by = '', updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		now.Add(delay).UnixNano(), now.UnixNano(), jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("convey/sqlite: release job: %w", err)
	}
	return s.transitionResult(ctx, res, jobID)
}

// transitionResult maps a zero-row conditional update to the right
// sentinel: the row either doesn't exist or isn't in a permitting status.
func (s *Store) transitionResult(ctx context.Context, res sql.Result, jobID id.JobID) error {
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows > 0 {
		return nil
	}
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM convey_jobs WHERE id = ?`, jobID.String(),
	).Scan(&exists)
	if isNoRows(err) {
		return convey.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("convey/sqlite: check job: %w", err)
	}
	return convey.ErrInvalidTransition
}

// Get retrieves a job by id.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM convey_jobs WHERE id = ?`, jobColumns)
	j, err := scanJob(s.db.QueryRowContext(ctx, query, jobID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, convey.ErrJobNotFound
		}
		return nil, fmt.Errorf("convey/sqlite: get job: %w", err)
	}
	return j, nil
}

// Stats returns the per-status counts for one queue.
func (s *Store) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM convey_jobs
		WHERE queue = ?
		GROUP BY status`,
		queueName,
	)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("convey/sqlite: stats: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var stats queue.Stats
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return queue.Stats{}, fmt.Errorf("convey/sqlite: stats scan: %w", err)
		}
		switch job.Status(status) {
		case job.StatusPending:
			stats.Pending = count
		case job.StatusProcessing:
			stats.Processing = count
		case job.StatusCompleted:
			stats.Completed = count
		case job.StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return queue.Stats{}, fmt.Errorf("convey/sqlite: stats rows: %w", err)
	}
	return stats, nil
}

// Prune deletes terminal jobs older than the threshold.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.clock().Add(-olderThan)
	res, err := s.execWithRetry(ctx, `
		DELETE FROM convey_jobs
		WHERE status IN ('completed', 'failed') AND updated_at < ?`,
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("convey/sqlite: prune: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// ReclaimStale requeues processing jobs whose lease expired more than
// grace ago. An empty queue name reclaims across all queues.
func (s *Store) ReclaimStale(ctx context.Context, queueName string, grace time.Duration) (int64, error) {
	now := s.clock()
	cutoff := now.Add(-grace)

	query := `
		UPDATE convey_jobs
		SET status = 'pending', available_at = ?, lease_expires_at = NULL, claimed_by = '', updated_at = ?
		WHERE status = 'processing'
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at < ?`
	args := []any{now.UnixNano(), now.UnixNano(), cutoff.UnixNano()}
	if queueName != "" {
		query += ` AND queue = ?`
		args = append(args, queueName)
	}

	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("convey/sqlite: reclaim stale: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}
