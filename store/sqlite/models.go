package sqlite

import (
	"database/sql"
	"time"

	"github.com/stackline/convey"
	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
)

// jobColumns is the SELECT list matching scanJob's destination order.
const jobColumns = `id, queue, handler, payload, status, priority, attempts,
	max_attempts, last_error, available_at, lease_expires_at, claimed_by,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func nanosToTime(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		claimedBy string
		available int64
		lease     sql.NullInt64
		created   int64
		updated   int64
	)
	err := row.Scan(
		&idStr, &j.Queue, &j.Handler, &j.Payload, &j.Status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &available, &lease,
		&claimedBy, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	j.ID, err = id.ParseJobID(idStr)
	if err != nil {
		return nil, err
	}
	if claimedBy != "" {
		j.ClaimedBy, err = id.ParseWorkerID(claimedBy)
		if err != nil {
			return nil, err
		}
	}
	j.AvailableAt = nanosToTime(available)
	if lease.Valid {
		t := nanosToTime(lease.Int64)
		j.LeaseExpiresAt = &t
	}
	j.Entity = convey.Entity{
		CreatedAt: nanosToTime(created),
		UpdatedAt: nanosToTime(updated),
	}
	return &j, nil
}
