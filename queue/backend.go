package queue

import (
	"context"
	"time"

	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
)

// Backend is the persistence contract for the job queue engine. The
// backend is the sole writer of a job's status, attempts, availability,
// and lease fields: producers only create jobs and workers only request
// mutation through these operations.
//
// Operations addressing a job by id return convey.ErrJobNotFound for an
// unknown id and convey.ErrInvalidTransition when the job's current
// status does not permit the operation. Neither is ever silently
// absorbed.
type Backend interface {
	// Push persists a new pending job. The job's AvailableAt gates when
	// it becomes claimable.
	Push(ctx context.Context, j *job.Job) error

	// Claim atomically acquires the most eligible pending job on the
	// given queue: highest priority first, ties broken by earliest
	// AvailableAt then lowest id (insertion order). The claimed job is
	// moved to processing with a lease deadline of now + lease and is
	// returned as an immutable snapshot. Returns (nil, nil) when no
	// eligible job exists; that is not an error.
	//
	// Claim must be safe against concurrent claims from workers in
	// other processes: the pending → processing transition is a
	// conditional write, and a lost race re-selects instead of
	// returning a false claim.
	Claim(ctx context.Context, queue string, worker id.WorkerID, lease time.Duration) (*job.Data, error)

	// Complete transitions a processing job to completed.
	Complete(ctx context.Context, jobID id.JobID) error

	// Fail records a failed execution attempt: increments Attempts,
	// stores the error message, and adopts maxAttempts as the new
	// ceiling. With attempts remaining the job returns to pending with
	// the backend's backoff strategy applied to AvailableAt; otherwise
	// it goes terminally failed.
	Fail(ctx context.Context, jobID id.JobID, msg string, maxAttempts int) error

	// Release returns a processing job to pending without consuming an
	// attempt, with AvailableAt = now + delay. Used when a worker
	// voluntarily gives a job up, e.g. on graceful shutdown.
	Release(ctx context.Context, jobID id.JobID, delay time.Duration) error

	// Stats returns the per-status job counts for one queue as a
	// consistent snapshot.
	Stats(ctx context.Context, queue string) (Stats, error)

	// Prune deletes completed and failed jobs whose UpdatedAt is older
	// than the threshold and returns how many were removed. Pending and
	// processing jobs are never pruned, regardless of age.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)

	// ReclaimStale returns processing jobs whose lease expired more
	// than grace ago to pending, without consuming an attempt, and
	// reports how many were requeued. An empty queue name reclaims
	// across all queues.
	ReclaimStale(ctx context.Context, queue string, grace time.Duration) (int64, error)

	// Get retrieves a job by id for inspection.
	Get(ctx context.Context, jobID id.JobID) (*job.Job, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Stats is an immutable per-queue aggregate of job counts by status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Total returns the number of jobs in the queue across all statuses.
func (s Stats) Total() int64 {
	return s.Pending + s.Processing + s.Completed + s.Failed
}
