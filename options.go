package convey

import (
	"context"
	"errors"
	"log/slog"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// Backender is the minimal backend interface held by the Dispatcher.
// It covers lifecycle operations only. The full queue.Backend interface
// lives in the queue package, which imports this one; holding the full
// interface here would create an import cycle. Implementations satisfy
// queue.Backend, which embeds these lifecycle methods.
type Backender interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Dispatcher is the central coordinator for job processing. Create one
// with New() and functional options, then use engine.Build to wire the
// handler registry, middleware chain, worker pool, and janitor on top.
type Dispatcher struct {
	config  Config
	logger  *slog.Logger
	backend Backender
	pool    poolRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Dispatcher with the given options.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Logger returns the dispatcher's logger.
func (d *Dispatcher) Logger() *slog.Logger { return d.logger }

// Backend returns the dispatcher's backend.
func (d *Dispatcher) Backend() Backender { return d.backend }

// Config returns a copy of the dispatcher's configuration.
func (d *Dispatcher) Config() Config { return d.config }

// SetPool sets the worker pool (called by the engine package).
func (d *Dispatcher) SetPool(p poolRunner) { d.pool = p }

// Start begins job processing. The pool is wired by engine.Build;
// starting a bare Dispatcher is an error.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.pool == nil {
		return errors.New("convey: no worker pool wired, use engine.Build")
	}
	if err := d.pool.Start(ctx); err != nil {
		return err
	}
	d.started = true
	return nil
}

// Stop gracefully shuts down the dispatcher. In-flight jobs are given
// until ctx's deadline to finish before being cancelled and released.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.pool != nil && d.started {
		if err := d.pool.Stop(ctx); err != nil {
			d.logger.Error("pool stop error", "error", err)
		}
	}
	if d.backend != nil {
		return d.backend.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent job processors.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) error {
		d.config.Concurrency = n
		return nil
	}
}

// WithQueues sets the queues the dispatcher will poll.
func WithQueues(queues []string) Option {
	return func(d *Dispatcher) error {
		d.config.Queues = queues
		return nil
	}
}

// WithLogger sets the structured logger for the dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) error {
		d.logger = l
		return nil
	}
}

// WithBackend sets the persistence backend for the dispatcher.
// The backend must implement Backender at minimum; typically it will be
// a queue.Backend.
func WithBackend(b Backender) Option {
	return func(d *Dispatcher) error {
		d.backend = b
		return nil
	}
}

// WithConfig replaces the dispatcher's entire configuration.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) error {
		d.config = cfg
		return nil
	}
}
