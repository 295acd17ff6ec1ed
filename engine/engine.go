// Package engine wires the convey subsystems together: handler
// registry, middleware chain, worker pool, janitor, and cron scheduler.
// It provides the Register/Enqueue surface applications use.
//
// This package exists to break the import cycle: the root convey package
// defines Entity (imported by job and cron) and so cannot import those
// packages back. The engine package sits above all subsystem packages
// and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stackline/convey"
	"github.com/stackline/convey/cron"
	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
	mw "github.com/stackline/convey/middleware"
	"github.com/stackline/convey/queue"
	"github.com/stackline/convey/worker"
)

// Engine wraps a Dispatcher with typed subsystem access.
// Use Build() to create one from a Dispatcher.
type Engine struct {
	d        *convey.Dispatcher
	backend  queue.Backend
	registry *job.Registry
	pool     *worker.Pool
	janitor  *worker.Janitor
	mws      []mw.Middleware
	logger   *slog.Logger

	// Cron subsystem.
	scheduler *cron.Scheduler

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithMiddleware appends middleware to the engine's chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Dispatcher. The Dispatcher's
// backend must implement queue.Backend.
func Build(d *convey.Dispatcher, opts ...Option) (*Engine, error) {
	logger := d.Logger()
	b := d.Backend()

	if b == nil {
		return nil, convey.ErrNoBackend
	}
	backend, ok := b.(queue.Backend)
	if !ok {
		return nil, fmt.Errorf("convey: backend does not implement queue.Backend")
	}

	eng := &Engine{
		d:        d,
		backend:  backend,
		registry: job.NewRegistry(),
		logger:   logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/stackline/convey")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/stackline/convey")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging →
	// lease timeout. User middleware runs innermost, just outside the
	// handler.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.LeaseTimeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	// Create runner and pool.
	config := d.Config()
	runner := worker.NewRunner(eng.registry, backend, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPoolQueues(config.Queues),
		worker.WithPollInterval(config.PollInterval),
		worker.WithLease(config.Lease),
	}

	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueLimits(eng.queueManager))
	}

	eng.pool = worker.NewPool(backend, runner, logger, poolOpts...)
	d.SetPool(eng.pool)

	// Janitor loops follow the dispatcher config; zero intervals disable
	// them.
	eng.janitor = worker.NewJanitor(backend, logger,
		worker.WithReclaim(config.ReclaimInterval, config.ReclaimGrace),
		worker.WithPrune(config.PruneInterval, config.Retention),
	)

	// Cron scheduler enqueues through the engine so payload policy and
	// options apply uniformly.
	enqueueFunc := func(ctx context.Context, handler string, payload []byte, opts ...job.Option) (id.JobID, error) {
		j, err := eng.EnqueueRaw(ctx, handler, payload, opts...)
		if err != nil {
			return id.JobID{}, err
		}
		return j.ID, nil
	}
	eng.scheduler = cron.NewScheduler(enqueueFunc, logger)

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// RegisterFunc registers a raw handler under the given name.
func (eng *Engine) RegisterFunc(name string, h job.HandlerFunc) {
	eng.registry.Register(name, h)
}

// Enqueue creates and enqueues a job with a typed payload. Whether a
// payload that fails to serialize rejects the job or degrades to an
// empty payload is governed by Config.StrictPayload.
func Enqueue[T any](ctx context.Context, eng *Engine, handler string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := job.EncodePayload(payload, eng.d.Config().StrictPayload)
	if err != nil {
		if data == nil {
			return nil, fmt.Errorf("encode payload for job %q: %w", handler, err)
		}
		// Fail-open: the job is enqueued with an empty payload.
		eng.logger.Warn("payload serialization failed, enqueueing without payload",
			slog.String("handler", handler),
			slog.String("error", err.Error()),
		)
	}
	return eng.EnqueueRaw(ctx, handler, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload.
func (eng *Engine) EnqueueRaw(ctx context.Context, handler string, payload []byte, opts ...job.Option) (*job.Job, error) {
	j := job.New(handler, payload, opts...)
	if err := eng.backend.Push(ctx, j); err != nil {
		return nil, err
	}

	eng.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("handler", handler),
		slog.String("queue", j.Queue),
	)
	return j, nil
}

// Get retrieves a job by id for inspection.
func (eng *Engine) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.backend.Get(ctx, jobID)
}

// Stats returns the per-status job counts for one queue.
func (eng *Engine) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	return eng.backend.Stats(ctx, queueName)
}

// Prune deletes completed and failed jobs older than the threshold and
// returns how many were removed.
func (eng *Engine) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	return eng.backend.Prune(ctx, olderThan)
}

// ReclaimStale requeues processing jobs whose lease expired more than
// grace ago. An empty queue name sweeps every queue.
func (eng *Engine) ReclaimStale(ctx context.Context, queueName string, grace time.Duration) (int64, error) {
	return eng.backend.ReclaimStale(ctx, queueName, grace)
}

// Start begins job processing: the janitor, the cron scheduler, and the
// worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.janitor.Start(ctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}
	return eng.d.Start(ctx)
}

// Stop gracefully shuts down the engine. The scheduler stops first so
// no new jobs arrive, then the janitor, then the pool and backend via
// the Dispatcher.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("cron scheduler stop error", slog.String("error", err.Error()))
	}
	if err := eng.janitor.Stop(); err != nil {
		eng.logger.Error("janitor stop error", slog.String("error", err.Error()))
	}
	return eng.d.Stop(ctx)
}

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Dispatcher returns the underlying Dispatcher.
func (eng *Engine) Dispatcher() *convey.Dispatcher { return eng.d }

// Scheduler returns the cron scheduler.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.scheduler }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// RegisterCron registers a typed cron definition with the engine's
// scheduler. Re-registration of the same name is rejected with
// cron.ErrEntryExists.
func RegisterCron[T any](eng *Engine, def cron.Definition[T]) (*cron.Entry, error) {
	return cron.AddDefinition(eng.scheduler, def)
}
