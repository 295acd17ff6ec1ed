package convey

import "time"

// Config holds configuration for the Dispatcher and the worker pool it
// drives.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently.
	Concurrency int

	// Queues is the list of queues this dispatcher will poll.
	Queues []string

	// PollInterval is how often an idle worker polls for new jobs.
	PollInterval time.Duration

	// Lease is the duration a claimed job is expected to be held before
	// it is considered stale and eligible for reclamation.
	Lease time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before in-flight jobs are cancelled and released.
	ShutdownTimeout time.Duration

	// ReclaimInterval is how often the janitor scans for processing jobs
	// whose lease has expired. Zero disables reclamation.
	ReclaimInterval time.Duration

	// ReclaimGrace is the slack added past a job's lease deadline before
	// the janitor requeues it.
	ReclaimGrace time.Duration

	// PruneInterval is how often the janitor deletes terminal jobs past
	// the retention window. Zero disables pruning.
	PruneInterval time.Duration

	// Retention is how long completed and failed jobs are kept before
	// the janitor prunes them.
	Retention time.Duration

	// StrictPayload, when true, makes Enqueue reject jobs whose payload
	// cannot be serialized. When false (the default) the payload is
	// replaced with an empty object and the job is enqueued anyway:
	// losing the job is worse than losing payload fidelity.
	StrictPayload bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     10,
		Queues:          []string{"default"},
		PollInterval:    1 * time.Second,
		Lease:           60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		ReclaimInterval: 30 * time.Second,
		ReclaimGrace:    10 * time.Second,
		PruneInterval:   1 * time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}
