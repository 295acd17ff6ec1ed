// Package memory provides a fully in-memory queue.Backend. Safe for
// concurrent access. Intended for unit testing and development; nothing
// survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stackline/convey"
	"github.com/stackline/convey/backoff"
	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
	"github.com/stackline/convey/queue"
)

var _ queue.Backend = (*Store)(nil)

// Store is an in-memory implementation of queue.Backend guarded by a
// single mutex. Every operation is a critical section, which makes the
// conditional status transitions trivially atomic.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*job.Job
	retry  backoff.Strategy
	clock  func() time.Time
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithBackoff sets the retry delay strategy applied by Fail.
func WithBackoff(s backoff.Strategy) Option {
	return func(st *Store) { st.retry = s }
}

// WithClock overrides the time source. Tests use this to control
// eligibility and lease expiry without sleeping.
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.clock = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	st := &Store{
		jobs:  make(map[string]*job.Job),
		retry: backoff.Default(),
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is open.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return convey.ErrBackendClosed
	}
	return nil
}

// Close marks the store closed. Subsequent operations fail with
// convey.ErrBackendClosed.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Store) checkOpen() error {
	if m.closed {
		return convey.ErrBackendClosed
	}
	return nil
}

// ──────────────────────────────────────────────────
// Producer side — Push
// ──────────────────────────────────────────────────

// Push persists a new pending job.
func (m *Store) Push(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return convey.ErrJobAlreadyExists
	}
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	m.jobs[key] = &cp
	return nil
}

// ──────────────────────────────────────────────────
// Worker side — Claim / Complete / Fail / Release
// ──────────────────────────────────────────────────

// Claim atomically acquires the most eligible pending job on the queue
// and moves it to processing under a lease. Returns (nil, nil) when
// nothing is claimable.
func (m *Store) Claim(_ context.Context, queueName string, worker id.WorkerID, lease time.Duration) (*job.Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	now := m.clock()

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Queue != queueName || !j.Eligible(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Priority DESC, AvailableAt ASC, id ASC. Job ids are K-sortable,
	// so the id tie-break is insertion order.
	sort.Slice(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.AvailableAt.Equal(b.AvailableAt) {
			return a.AvailableAt.Before(b.AvailableAt)
		}
		return a.ID.String() < b.ID.String()
	})

	j := candidates[0]
	deadline := now.Add(lease)
	j.Status = job.StatusProcessing
	j.LeaseExpiresAt = &deadline
	j.ClaimedBy = worker
	j.UpdatedAt = now

	data := j.Snapshot()
	return &data, nil
}

// Complete transitions a processing job to completed.
func (m *Store) Complete(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return convey.ErrJobNotFound
	}
	if !job.CanTransition(j.Status, job.StatusCompleted) {
		return convey.ErrInvalidTransition
	}

	j.Status = job.StatusCompleted
	j.LeaseExpiresAt = nil
	j.ClaimedBy = id.WorkerID{}
	j.UpdatedAt = m.clock()
	return nil
}

// Fail records a failed attempt. With attempts remaining the job goes
// back to pending with backoff applied; otherwise it goes terminally
// failed. This is the only operation that consumes an attempt.
func (m *Store) Fail(_ context.Context, jobID id.JobID, msg string, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return convey.ErrJobNotFound
	}
	if j.Status != job.StatusProcessing {
		return convey.ErrInvalidTransition
	}

	now := m.clock()
	j.Attempts++
	j.MaxAttempts = maxAttempts
	j.LastError = msg
	j.LeaseExpiresAt = nil
	j.ClaimedBy = id.WorkerID{}
	j.UpdatedAt = now

	if j.Attempts >= j.MaxAttempts {
		j.Status = job.StatusFailed
		return nil
	}
	j.Status = job.StatusPending
	j.AvailableAt = now.Add(m.retry.Delay(j.Attempts))
	return nil
}

// Release returns a processing job to pending without consuming an
// attempt. AvailableAt becomes now + delay.
func (m *Store) Release(_ context.Context, jobID id.JobID, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return convey.ErrJobNotFound
	}
	if j.Status != job.StatusProcessing {
		return convey.ErrInvalidTransition
	}

	now := m.clock()
	j.Status = job.StatusPending
	j.AvailableAt = now.Add(delay)
	j.LeaseExpiresAt = nil
	j.ClaimedBy = id.WorkerID{}
	j.UpdatedAt = now
	return nil
}

// ──────────────────────────────────────────────────
// Inspection — Get / Stats
// ──────────────────────────────────────────────────

// Get retrieves a job by id. Returns a copy so callers can't race with
// the store.
func (m *Store) Get(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, convey.ErrJobNotFound
	}
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	return &cp, nil
}

// Stats returns the per-status counts for one queue.
func (m *Store) Stats(_ context.Context, queueName string) (queue.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return queue.Stats{}, err
	}

	var s queue.Stats
	for _, j := range m.jobs {
		if j.Queue != queueName {
			continue
		}
		switch j.Status {
		case job.StatusPending:
			s.Pending++
		case job.StatusProcessing:
			s.Processing++
		case job.StatusCompleted:
			s.Completed++
		case job.StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// ──────────────────────────────────────────────────
// Maintenance — Prune / ReclaimStale
// ──────────────────────────────────────────────────

// Prune deletes terminal jobs whose UpdatedAt is older than the
// threshold. Pending and processing jobs are never pruned.
func (m *Store) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	cutoff := m.clock().Add(-olderThan)
	var removed int64
	for key, j := range m.jobs {
		if !j.Status.Terminal() {
			continue
		}
		if j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, key)
			removed++
		}
	}
	return removed, nil
}

// ReclaimStale returns processing jobs whose lease expired more than
// grace ago to pending. No attempt is consumed: the worker died, the
// job didn't fail.
func (m *Store) ReclaimStale(_ context.Context, queueName string, grace time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	now := m.clock()
	var reclaimed int64
	for _, j := range m.jobs {
		if queueName != "" && j.Queue != queueName {
			continue
		}
		if !j.LeaseExpired(now, grace) {
			continue
		}
		j.Status = job.StatusPending
		j.AvailableAt = now
		j.LeaseExpiresAt = nil
		j.ClaimedBy = id.WorkerID{}
		j.UpdatedAt = now
		reclaimed++
	}
	return reclaimed, nil
}
