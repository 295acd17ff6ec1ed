package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stackline/convey/queue"
)

// Janitor runs the background maintenance loops: requeueing processing
// jobs whose lease expired, and deleting terminal jobs past the
// retention window. Either loop is disabled by a zero interval.
type Janitor struct {
	backend queue.Backend
	logger  *slog.Logger

	reclaimInterval time.Duration
	reclaimGrace    time.Duration
	pruneInterval   time.Duration
	retention       time.Duration

	cancel context.CancelFunc
	g      *errgroup.Group
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithReclaim enables the lease reclamation loop. Every interval, jobs
// whose lease expired more than grace ago are returned to pending.
func WithReclaim(interval, grace time.Duration) JanitorOption {
	return func(jn *Janitor) {
		jn.reclaimInterval = interval
		jn.reclaimGrace = grace
	}
}

// WithPrune enables the retention loop. Every interval, completed and
// failed jobs older than retention are deleted.
func WithPrune(interval, retention time.Duration) JanitorOption {
	return func(jn *Janitor) {
		jn.pruneInterval = interval
		jn.retention = retention
	}
}

// NewJanitor creates a Janitor. With no options both loops are disabled
// and Start is a no-op.
func NewJanitor(backend queue.Backend, logger *slog.Logger, opts ...JanitorOption) *Janitor {
	jn := &Janitor{
		backend: backend,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(jn)
	}
	return jn
}

// Start launches the enabled maintenance loops. It returns immediately.
func (jn *Janitor) Start(ctx context.Context) error {
	ctx, jn.cancel = context.WithCancel(context.WithoutCancel(ctx))
	jn.g, ctx = errgroup.WithContext(ctx)

	if jn.reclaimInterval > 0 {
		jn.g.Go(func() error { return jn.reclaimLoop(ctx) })
	}
	if jn.pruneInterval > 0 {
		jn.g.Go(func() error { return jn.pruneLoop(ctx) })
	}
	return nil
}

// Stop halts the maintenance loops and waits for any in-progress sweep
// to finish.
func (jn *Janitor) Stop() error {
	if jn.cancel == nil {
		return nil
	}
	jn.cancel()
	return jn.g.Wait()
}

func (jn *Janitor) reclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(jn.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			jn.reclaimOnce(ctx)
		}
	}
}

func (jn *Janitor) reclaimOnce(ctx context.Context) {
	// Empty queue name sweeps every queue.
	n, err := jn.backend.ReclaimStale(ctx, "", jn.reclaimGrace)
	if err != nil {
		jn.logger.Error("reclaim stale jobs error", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		jn.logger.Info("requeued stale jobs",
			slog.Int64("count", n),
			slog.Duration("grace", jn.reclaimGrace),
		)
	}
}

func (jn *Janitor) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(jn.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			jn.pruneOnce(ctx)
		}
	}
}

func (jn *Janitor) pruneOnce(ctx context.Context) {
	n, err := jn.backend.Prune(ctx, jn.retention)
	if err != nil {
		jn.logger.Error("prune error", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		jn.logger.Info("pruned terminal jobs",
			slog.Int64("count", n),
			slog.Duration("retention", jn.retention),
		)
	}
}
