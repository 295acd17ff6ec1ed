package middleware

import (
	"context"
	"log/slog"

	"github.com/stackline/convey/job"
)

// LeaseTimeout returns middleware that bounds handler execution by the
// job's lease deadline. A handler still running when its lease expires
// would race the reclaimer's redelivery, so the context is cancelled at
// the deadline and the handler should return ctx.Err().
func LeaseTimeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Data, next Handler) error {
		if j.LeaseExpiresAt.IsZero() {
			return next(ctx)
		}

		logger.Debug("job lease deadline set",
			slog.String("job_id", j.ID.String()),
			slog.Time("lease_expires_at", j.LeaseExpiresAt),
		)
		ctx, cancel := context.WithDeadline(ctx, j.LeaseExpiresAt)
		defer cancel()
		return next(ctx)
	}
}
