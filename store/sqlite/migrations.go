package sqlite

// Timestamps are stored as unix nanoseconds in INTEGER columns so that
// ordering comparisons stay integer comparisons. lease_expires_at is
// NULL while a job is not claimed.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS convey_jobs (
		id               TEXT PRIMARY KEY,
		queue            TEXT NOT NULL,
		handler          TEXT NOT NULL,
		payload          BLOB,
		status           TEXT NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 0,
		attempts         INTEGER NOT NULL DEFAULT 0,
		max_attempts     INTEGER NOT NULL DEFAULT 3,
		last_error       TEXT NOT NULL DEFAULT '',
		available_at     INTEGER NOT NULL,
		lease_expires_at INTEGER,
		claimed_by       TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	)`,

	// Claim scans one queue's pending rows in claim order.
	`CREATE INDEX IF NOT EXISTS idx_convey_jobs_claim
		ON convey_jobs (queue, status, priority DESC, available_at, id)`,

	// Prune scans terminal rows by age.
	`CREATE INDEX IF NOT EXISTS idx_convey_jobs_prune
		ON convey_jobs (status, updated_at)`,

	// Reclaim scans processing rows by lease deadline.
	`CREATE INDEX IF NOT EXISTS idx_convey_jobs_lease
		ON convey_jobs (status, lease_expires_at)`,
}
