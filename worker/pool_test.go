package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stackline/convey/job"
	"github.com/stackline/convey/queue"
	"github.com/stackline/convey/store/memory"
	"github.com/stackline/convey/worker"
)

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPool_ProcessesJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()

	var processed atomic.Int64
	registry := job.NewRegistry()
	registry.Register("count", func(_ context.Context, _ []byte) error {
		processed.Add(1)
		return nil
	})

	const jobs = 20
	for range jobs {
		if err := st.Push(ctx, job.New("count", nil)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	runner := worker.NewRunner(registry, st, testLogger())
	pool := worker.NewPool(st, runner, testLogger(),
		worker.WithPoolConcurrency(4),
		worker.WithPollInterval(10*time.Millisecond),
	)
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		return processed.Load() == jobs
	})

	stats, err := st.Stats(ctx, "default")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Completed != jobs {
		t.Fatalf("expected %d completed, got %d", jobs, stats.Completed)
	}
}

func TestPool_DrainsMultipleQueues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()

	var processed atomic.Int64
	registry := job.NewRegistry()
	registry.Register("work", func(_ context.Context, _ []byte) error {
		processed.Add(1)
		return nil
	})

	for _, q := range []string{"critical", "default", "low"} {
		if err := st.Push(ctx, job.New("work", nil, job.WithQueue(q))); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	runner := worker.NewRunner(registry, st, testLogger())
	pool := worker.NewPool(st, runner, testLogger(),
		worker.WithPoolConcurrency(2),
		worker.WithPoolQueues([]string{"critical", "default", "low"}),
		worker.WithPollInterval(10*time.Millisecond),
	)
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		return processed.Load() == 3
	})
}

func TestPool_QueueLimits_CapConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()

	var active, maxActive atomic.Int64
	registry := job.NewRegistry()
	registry.Register("measured", func(_ context.Context, _ []byte) error {
		n := active.Add(1)
		for {
			max := maxActive.Load()
			if n <= max || maxActive.CompareAndSwap(max, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	})

	for range 6 {
		if err := st.Push(ctx, job.New("measured", nil)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	limits := queue.NewManager(queue.Config{Name: "default", MaxConcurrency: 1})
	runner := worker.NewRunner(registry, st, testLogger())
	pool := worker.NewPool(st, runner, testLogger(),
		worker.WithPoolConcurrency(4),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithQueueLimits(limits),
	)
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		stats, err := st.Stats(ctx, "default")
		return err == nil && stats.Completed == 6
	})

	if maxActive.Load() != 1 {
		t.Fatalf("queue limit 1 but observed %d concurrent executions", maxActive.Load())
	}
}

func TestPool_StopWaitsForInflight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()

	started := make(chan struct{})
	registry := job.NewRegistry()
	registry.Register("slow", func(_ context.Context, _ []byte) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	j := job.New("slow", nil)
	if err := st.Push(ctx, j); err != nil {
		t.Fatalf("Push: %v", err)
	}

	runner := worker.NewRunner(registry, st, testLogger())
	pool := worker.NewPool(st, runner, testLogger(),
		worker.WithPoolConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
	)
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-started
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, err := st.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("expected in-flight job to finish, got %s", got.Status)
	}
}

func TestPool_StopDeadlineReleasesJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()

	started := make(chan struct{})
	registry := job.NewRegistry()
	registry.Register("stuck", func(ctx context.Context, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	j := job.New("stuck", nil)
	if err := st.Push(ctx, j); err != nil {
		t.Fatalf("Push: %v", err)
	}

	runner := worker.NewRunner(registry, st, testLogger())
	pool := worker.NewPool(st, runner, testLogger(),
		worker.WithPoolConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
	)
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-started
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Give the release settle a moment to land after cancellation.
	waitFor(t, time.Second, func() bool {
		g, err := st.Get(ctx, j.ID)
		return err == nil && g.Status == job.StatusPending
	})

	got, err := st.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusPending {
		t.Fatalf("expected released job to be pending, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Fatalf("cancellation must not consume an attempt, got %d", got.Attempts)
	}
}

func TestPool_StartIdempotent(t *testing.T) {
	t.Parallel()
	st := memory.New()
	runner := worker.NewRunner(job.NewRegistry(), st, testLogger())
	pool := worker.NewPool(st, runner, testLogger(),
		worker.WithPoolConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
	)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestPool_Restart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()

	var processed atomic.Int64
	registry := job.NewRegistry()
	registry.Register("count", func(_ context.Context, _ []byte) error {
		processed.Add(1)
		return nil
	})

	runner := worker.NewRunner(registry, st, testLogger())
	pool := worker.NewPool(st, runner, testLogger(),
		worker.WithPoolConcurrency(2),
		worker.WithPollInterval(5*time.Millisecond),
	)

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := st.Push(ctx, job.New("count", nil)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return processed.Load() == 1 })
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A stopped pool must come back up and claim again.
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer pool.Stop(context.Background())

	if err := st.Push(ctx, job.New("count", nil)); err != nil {
		t.Fatalf("Push after restart: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return processed.Load() == 2 })
}
