package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
	"github.com/stackline/convey/store/memory"
	"github.com/stackline/convey/worker"
)

// testClock is a mutable clock safe for use from janitor goroutines.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestJanitor_ReclaimsExpiredLeases(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newTestClock()
	st := memory.New(memory.WithClock(clock.Now))

	j := job.New("orphaned", nil)
	if err := st.Push(ctx, j); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, err := st.Claim(ctx, "default", id.NewWorkerID(), time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	jn := worker.NewJanitor(st, testLogger(),
		worker.WithReclaim(10*time.Millisecond, 0),
	)
	if err := jn.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer jn.Stop()

	// Lease still live: the job must stay processing.
	time.Sleep(50 * time.Millisecond)
	got, err := st.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusProcessing {
		t.Fatalf("expected processing while lease is live, got %s", got.Status)
	}

	clock.Advance(2 * time.Minute)

	waitFor(t, 5*time.Second, func() bool {
		g, err := st.Get(ctx, j.ID)
		return err == nil && g.Status == job.StatusPending
	})

	got, err = st.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Attempts != 0 {
		t.Fatalf("reclaim must not consume an attempt, got %d", got.Attempts)
	}
	if !got.ClaimedBy.IsNil() {
		t.Fatalf("expected worker assignment cleared, got %s", got.ClaimedBy)
	}
}

func TestJanitor_PrunesOldTerminalJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newTestClock()
	st := memory.New(memory.WithClock(clock.Now))

	j := job.New("done", nil)
	if err := st.Push(ctx, j); err != nil {
		t.Fatalf("Push: %v", err)
	}
	claimed, err := st.Claim(ctx, "default", id.NewWorkerID(), time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := st.Complete(ctx, j.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	jn := worker.NewJanitor(st, testLogger(),
		worker.WithPrune(10*time.Millisecond, time.Hour),
	)
	if err := jn.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer jn.Stop()

	// Inside the retention window: the job must survive.
	time.Sleep(50 * time.Millisecond)
	if _, err := st.Get(ctx, j.ID); err != nil {
		t.Fatalf("job pruned inside retention window: %v", err)
	}

	clock.Advance(2 * time.Hour)

	waitFor(t, 5*time.Second, func() bool {
		_, err := st.Get(ctx, j.ID)
		return err != nil
	})
}

func TestJanitor_DisabledLoopsAreNoops(t *testing.T) {
	t.Parallel()
	st := memory.New()

	jn := worker.NewJanitor(st, testLogger())
	if err := jn.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := jn.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
