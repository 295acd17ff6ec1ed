package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
	"github.com/stackline/convey/queue"
)

// Pool manages a set of concurrent worker goroutines that claim jobs
// from the backend and run them through the Runner.
type Pool struct {
	backend queue.Backend
	runner  *Runner
	limits  *queue.Manager

	concurrency  int
	queues       []string
	pollInterval time.Duration
	lease        time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will claim from, in order of
// preference.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how long an idle worker waits before asking for
// jobs again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLease sets the lease duration requested on every claim.
func WithLease(d time.Duration) PoolOption {
	return func(p *Pool) { p.lease = d }
}

// WithQueueLimits sets the per-queue concurrency and rate limit manager.
// A worker only claims from a queue after acquiring a slot for it.
func WithQueueLimits(m *queue.Manager) PoolOption {
	return func(p *Pool) { p.limits = m }
}

// NewPool creates a worker pool.
func NewPool(backend queue.Backend, runner *Runner, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		backend:      backend,
		runner:       runner,
		concurrency:  10,
		queues:       []string{"default"},
		pollInterval: time.Second,
		lease:        60 * time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier. Every claim made
// by this pool is attributed to it.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	// Stop closes stopCh, so a restarted pool needs a fresh one.
	p.stopCh = make(chan struct{})

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight jobs to
// finish. If the context expires first, active executions are cancelled;
// the Runner then releases their jobs back to pending.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopCh := p.stopCh
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// claimLoop is run by each worker goroutine. It sweeps the configured
// queues in order, runs whatever it claimed, and sleeps only after a
// full sweep found nothing.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if !p.claimOnce() {
			p.sleep()
		}
	}
}

// claimOnce attempts a single claim across the queue list and reports
// whether a job was run.
func (p *Pool) claimOnce() bool {
	for _, q := range p.queues {
		if p.limits != nil && !p.limits.Acquire(q) {
			continue
		}

		j, err := p.backend.Claim(context.Background(), q, p.workerID, p.lease)
		if err != nil {
			p.logger.Error("claim error",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			p.refundLimit(q)
			continue
		}
		if j == nil {
			p.refundLimit(q)
			continue
		}

		p.process(j)
		p.releaseLimit(q)
		return true
	}
	return false
}

func (p *Pool) process(j *job.Data) {
	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(j.ID.String(), cancel)
	defer func() {
		p.untrackJob(j.ID.String())
		cancel()
	}()

	if err := p.runner.Run(ctx, j); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("handler", j.Handler),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) releaseLimit(q string) {
	if p.limits != nil {
		p.limits.Release(q)
	}
}

// refundLimit returns the queue slot and rate token taken by a claim
// that found no job, so idle sweeps do not consume the rate budget.
func (p *Pool) refundLimit(q string) {
	if p.limits != nil {
		p.limits.Refund(q)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
