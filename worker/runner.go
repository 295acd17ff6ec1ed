// Package worker drives job execution — a Runner that takes a claimed
// job through middleware and the registered handler and reports the
// outcome to the backend, a Pool that manages concurrent claim loops,
// and a Janitor that reclaims stale leases and prunes terminal jobs.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stackline/convey"
	"github.com/stackline/convey/job"
	"github.com/stackline/convey/middleware"
	"github.com/stackline/convey/queue"
)

// Runner executes one claimed job and settles its outcome with the
// backend: Complete on success, Fail on handler error, Release when the
// execution was cut short by shutdown.
type Runner struct {
	registry *job.Registry
	backend  queue.Backend
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewRunner creates a Runner. Middlewares wrap the handler outermost
// first.
func NewRunner(
	registry *job.Registry,
	backend queue.Backend,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Runner {
	return &Runner{
		registry: registry,
		backend:  backend,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Run executes the claimed job through the middleware chain and the
// registered handler, then records the result.
//
// A missing handler counts as a failed attempt: the job was claimed and
// could not run, and silently releasing it would spin it between workers
// that all lack the handler. The returned error is the handler's (or
// convey.ErrHandlerNotRegistered); settle errors from the backend take
// precedence, since an unrecorded outcome means the lease reclaimer will
// eventually redeliver.
func (r *Runner) Run(ctx context.Context, j *job.Data) error {
	handler, ok := r.registry.Get(j.Handler)
	if !ok {
		err := convey.ErrHandlerNotRegistered
		if failErr := r.backend.Fail(ctx, j.ID, err.Error(), j.MaxAttempts); failErr != nil {
			return failErr
		}
		r.logger.Warn("no handler registered for claimed job",
			slog.String("job_id", j.ID.String()),
			slog.String("handler", j.Handler),
		)
		return err
	}

	terminal := func(ctx context.Context) error {
		return handler(ctx, j.Payload)
	}

	err := r.mw(ctx, j, terminal)
	if err != nil {
		return r.settleFailure(ctx, j, err)
	}
	return r.settleSuccess(ctx, j)
}

func (r *Runner) settleSuccess(ctx context.Context, j *job.Data) error {
	// Settlement uses a fresh context: the execution context may already
	// be cancelled (lease deadline, shutdown) and the outcome still has
	// to be recorded.
	sctx, cancel := settleContext()
	defer cancel()

	if err := r.backend.Complete(sctx, j.ID); err != nil {
		r.logger.Error("failed to record completion",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (r *Runner) settleFailure(ctx context.Context, j *job.Data, handlerErr error) error {
	sctx, cancel := settleContext()
	defer cancel()

	// A context error with the surrounding context cancelled means the
	// worker was shut down mid-execution, not that the handler failed.
	// Hand the job back without consuming an attempt.
	if ctx.Err() != nil && (errors.Is(handlerErr, context.Canceled) || errors.Is(handlerErr, context.DeadlineExceeded)) {
		if relErr := r.backend.Release(sctx, j.ID, 0); relErr != nil {
			r.logger.Error("failed to release interrupted job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", relErr.Error()),
			)
			return relErr
		}
		r.logger.Info("released interrupted job",
			slog.String("job_id", j.ID.String()),
			slog.String("handler", j.Handler),
		)
		return handlerErr
	}

	if failErr := r.backend.Fail(sctx, j.ID, handlerErr.Error(), j.MaxAttempts); failErr != nil {
		// ErrInvalidTransition here means the job left processing while
		// the handler ran, typically a reclaimed lease. The other worker
		// owns the job now; nothing to record.
		if errors.Is(failErr, convey.ErrInvalidTransition) {
			r.logger.Warn("job no longer processing, outcome discarded",
				slog.String("job_id", j.ID.String()),
				slog.String("handler", j.Handler),
			)
			return handlerErr
		}
		r.logger.Error("failed to record failure",
			slog.String("job_id", j.ID.String()),
			slog.String("error", failErr.Error()),
		)
		return failErr
	}
	return handlerErr
}

// settleContext bounds outcome recording so a wedged backend cannot hold
// a worker goroutine forever.
func settleContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
