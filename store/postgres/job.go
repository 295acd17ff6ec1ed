package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/stackline/convey"
	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
	"github.com/stackline/convey/queue"
)

// Push persists a new pending job.
func (s *Store) Push(ctx context.Context, j *job.Job) error {
	claimedBy := ""
	if !j.ClaimedBy.IsNil() {
		claimedBy = j.ClaimedBy.String()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO convey_jobs (
			id, queue, handler, payload, status, priority, attempts,
			max_attempts, last_error, available_at, lease_expires_at,
			claimed_by, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14
		)`,
		j.ID.String(), j.Queue, j.Handler, j.Payload, string(j.Status),
		j.Priority, j.Attempts, j.MaxAttempts, j.LastError,
		j.AvailableAt, j.LeaseExpiresAt, claimedBy,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return convey.ErrJobAlreadyExists
		}
		return fmt.Errorf("convey/postgres: push job: %w", err)
	}
	return nil
}

// Claim atomically acquires the most eligible pending job on the given
// queue. SKIP LOCKED makes racing workers pass over a row another
// transaction is claiming instead of blocking on it.
func (s *Store) Claim(ctx context.Context, queueName string, worker id.WorkerID, lease time.Duration) (*job.Data, error) {
	now := s.clock()

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		WITH claimed AS (
			SELECT id FROM convey_jobs
			WHERE queue = $1 AND status = 'pending' AND available_at <= $2
			ORDER BY priority DESC, available_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE convey_jobs j
		SET status = 'processing', lease_expires_at = $3, claimed_by = $4, updated_at = $2
		FROM claimed
		WHERE j.id = claimed.id
		RETURNING %s`, qualify("j", jobColumns)),
		queueName, now, now.Add(lease), worker.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("convey/postgres: claim job: %w", err)
	}

	data := j.Snapshot()
	return &data, nil
}

// Complete transitions a processing job to completed. The status guard
// is the conditional write; zero rows means the transition is illegal.
func (s *Store) Complete(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE convey_jobs
		SET status = 'completed', lease_expires_at = NULL, claimed_by = '', updated_at = $2
		WHERE id = $1 AND status = 'processing'`,
		jobID.String(), s.clock(),
	)
	if err != nil {
		return fmt.Errorf("convey/postgres: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, jobID)
	}
	return nil
}

// Fail records a failed attempt. The backoff delay depends on the new
// attempt count, so the row is read under FOR UPDATE first.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, msg string, maxAttempts int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convey/postgres: fail job: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		status   string
		attempts int
	)
	err = tx.QueryRow(ctx,
		`SELECT status, attempts FROM convey_jobs WHERE id = $1 FOR UPDATE`,
		jobID.String(),
	).Scan(&status, &attempts)
	if err != nil {
		if isNoRows(err) {
			return convey.ErrJobNotFound
		}
		return fmt.Errorf("convey/postgres: fail job: read: %w", err)
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

	_, err = tx.Exec(ctx, `
		UPDATE convey_jobs
		SET status = $2, attempts = $3, max_attempts = $4, last_error = $5,
		    available_at = $6, lease_expires_at = NULL, claimed_by = '', updated_at = $7
		WHERE id = $1`,
		jobID.String(), string(newStatus), attempts, maxAttempts, msg,
		availableAt, now,
	)
	if err != nil {
		return fmt.Errorf("convey/postgres: fail job: write: %w", err)
	}
	return tx.Commit(ctx)
}

// Release returns a processing job to pending without consuming an
// attempt.
func (s *Store) Release(ctx context.Context, jobID id.JobID, delay time.Duration) error {
	now := s.clock()
	tag, err := s.pool.Exec(ctx, `
		UPDATE convey_jobs
		SET status = 'pending', available_at = $2, lease_expires_at = NULL, claimed_by = '', updated_at = $3
		WHERE id = $1 AND status = 'processing'`,
		jobID.String(), now.Add(delay), now,
	)
	if err != nil {
		return fmt.Errorf("convey/postgres: release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, jobID)
	}
	return nil
}

// transitionError distinguishes a missing row from an illegal transition
// after a conditional update touched zero rows.
func (s *Store) transitionError(ctx context.Context, jobID id.JobID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM convey_jobs WHERE id = $1)`, jobID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("convey/postgres: check job: %w", err)
	}
	if !exists {
		return convey.ErrJobNotFound
	}
	return convey.ErrInvalidTransition
}

// Get retrieves a job by id.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM convey_jobs WHERE id = $1`, jobColumns),
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, convey.ErrJobNotFound
		}
		return nil, fmt.Errorf("convey/postgres: get job: %w", err)
	}
	return j, nil
}

// Stats returns the per-status counts for one queue.
func (s *Store) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM convey_jobs
		WHERE queue = $1
		GROUP BY status`,
		queueName,
	)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("convey/postgres: stats: %w", err)
	}
	defer rows.Close()

	var stats queue.Stats
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return queue.Stats{}, fmt.Errorf("convey/postgres: stats scan: %w", err)
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
		return queue.Stats{}, fmt.Errorf("convey/postgres: stats rows: %w", err)
	}
	return stats, nil
}

// Prune deletes terminal jobs older than the threshold.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM convey_jobs
		WHERE status IN ('completed', 'failed') AND updated_at < $1`,
		s.clock().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("convey/postgres: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReclaimStale requeues processing jobs whose lease expired more than
// grace ago. An empty queue name reclaims across all queues.
func (s *Store) ReclaimStale(ctx context.Context, queueName string, grace time.Duration) (int64, error) {
	now := s.clock()

	query := `
		UPDATE convey_jobs
		SET status = 'pending', available_at = $1, lease_expires_at = NULL, claimed_by = '', updated_at = $1
		WHERE status = 'processing'
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at < $2`
	args := []any{now, now.Add(-grace)}
	if queueName != "" {
		query += ` AND queue = $3`
		args = append(args, queueName)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("convey/postgres: reclaim stale: %w", err)
	}
	return tag.RowsAffected(), nil
}
