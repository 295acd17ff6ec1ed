package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stackline/convey"
	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
)

// EnqueueFunc is the callback the scheduler uses to enqueue jobs.
// This breaks the import cycle: the engine provides the implementation.
type EnqueueFunc func(ctx context.Context, handler string, payload []byte, opts ...job.Option) (id.JobID, error)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithClock overrides the scheduler's time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.clock = now }
}

// Scheduler evaluates cron entries on a tick loop and enqueues a job
// for every entry that has come due.
type Scheduler struct {
	enqueue EnqueueFunc
	logger  *slog.Logger

	tickInterval time.Duration
	clock        func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// NewScheduler creates a Scheduler.
func NewScheduler(enqueue EnqueueFunc, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		enqueue:      enqueue,
		logger:       logger,
		tickInterval: time.Second,
		clock:        time.Now,
		entries:      make(map[string]*Entry),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a new entry and returns it. The entry starts enabled
// with its first firing computed from now.
func (s *Scheduler) Add(name, expr, handler string, payload []byte) (*Entry, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryExists, name)
	}

	e := &Entry{
		Entity:    convey.NewEntity(),
		ID:        id.NewCronID(),
		Name:      name,
		Schedule:  expr,
		Handler:   handler,
		Queue:     "default",
		Payload:   payload,
		Enabled:   true,
		NextRunAt: schedule.Next(s.clock()),
		schedule:  schedule,
	}
	s.entries[name] = e

	out := *e
	return &out, nil
}

// SetQueue changes the queue an entry enqueues into.
func (s *Scheduler) SetQueue(name, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	e.Queue = queue
	e.UpdatedAt = s.clock().UTC()
	return nil
}

// Enable turns an entry back on. Its next firing is recomputed from now
// so a long-disabled entry does not fire immediately for every missed
// occurrence.
func (s *Scheduler) Enable(name string) error {
	return s.setEnabled(name, true)
}

// Disable stops an entry from firing without removing it.
func (s *Scheduler) Disable(name string) error {
	return s.setEnabled(name, false)
}

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	e.Enabled = enabled
	e.UpdatedAt = s.clock().UTC()
	if enabled {
		e.NextRunAt = e.schedule.Next(s.clock())
	}
	return nil
}

// Remove deletes an entry by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	delete(s.entries, name)
	return nil
}

// Entries returns a snapshot of all entries, sorted by name.
func (s *Scheduler) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		copied := *e
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the tick loop. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	s.wg.Add(1)
	go s.tickLoop()

	s.logger.Info("cron scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the tick loop to
// finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick fires every enabled entry whose NextRunAt has passed. An entry
// that came due multiple times while the scheduler was not looking
// fires once and skips to its next future occurrence.
func (s *Scheduler) tick() {
	now := s.clock()

	s.mu.Lock()
	due := make([]*Entry, 0)
	for _, e := range s.entries {
		if e.Enabled && !e.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(e, now)
	}
}

func (s *Scheduler) fire(e *Entry, now time.Time) {
	jobID, err := s.enqueue(context.Background(), e.Handler, e.Payload, job.WithQueue(e.Queue))
	if err != nil {
		// Leave NextRunAt untouched so the next tick retries the enqueue.
		s.logger.Error("cron enqueue failed",
			slog.String("entry", e.Name),
			slog.String("handler", e.Handler),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	ranAt := now.UTC()
	e.LastRunAt = &ranAt
	e.NextRunAt = e.schedule.Next(now)
	e.UpdatedAt = ranAt
	s.mu.Unlock()

	s.logger.Info("cron entry fired",
		slog.String("entry", e.Name),
		slog.String("handler", e.Handler),
		slog.String("job_id", jobID.String()),
		slog.Time("next_run_at", e.NextRunAt),
	)
}
