package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// jobColumns is the SELECT list matching scanJob's destination order.
const jobColumns = `id, queue, handler, payload, status, priority, attempts,
	max_attempts, last_error, available_at, lease_expires_at, claimed_by,
	created_at, updated_at`

// qualify prefixes every column in a SELECT list with a table alias.
// Needed in RETURNING clauses where a CTE makes bare names ambiguous.
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		claimedBy string
	)
	err := row.Scan(
		&idStr, &j.Queue, &j.Handler, &j.Payload, &j.Status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.AvailableAt,
		&j.LeaseExpiresAt, &claimedBy, &j.CreatedAt, &j.UpdatedAt,
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
	return &j, nil
}
