package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stackline/convey"
	"github.com/stackline/convey/backoff"
	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
)

// newTestStore connects to the Redis named by CONVEY_REDIS_ADDR and
// isolates the test in its own logical database slot via FLUSHDB. Tests
// are skipped when the variable is unset.
func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	addr := os.Getenv("CONVEY_REDIS_ADDR")
	if addr == "" {
		t.Skip("CONVEY_REDIS_ADDR not set; skipping Redis integration tests")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = client.Close() })

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushdb: %v", err)
	}
	return New(client, opts...)
}

func TestStore_Ping(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestStore_PushClaimComplete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := id.NewWorkerID()

	j := job.New("send-email", []byte(`{"to":"a@b.c"}`))
	if err := s.Push(ctx, j); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := s.Push(ctx, j); !errors.Is(err, convey.ErrJobAlreadyExists) {
		t.Fatalf("expected ErrJobAlreadyExists, got %v", err)
	}

	data, err := s.Claim(ctx, "default", w, time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if data == nil || data.ID != j.ID {
		t.Fatalf("expected %s claimed, got %v", j.ID, data)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusProcessing || got.ClaimedBy != w {
		t.Fatalf("unexpected job after claim: %+v", got)
	}

	// Queue drained.
	next, err := s.Claim(ctx, "default", w, time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if next != nil {
		t.Fatalf("expected empty queue, got %v", next.ID)
	}

	if err := s.Complete(ctx, j.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.Complete(ctx, j.ID); !errors.Is(err, convey.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStore_ClaimOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := id.NewWorkerID()

	at := time.Now().UTC().Add(-time.Minute)
	var expect []id.JobID
	high := job.New("work", nil, job.WithPriority(9), job.WithAvailableAt(at))
	mid := job.New("work", nil, job.WithPriority(5), job.WithAvailableAt(at))
	low := job.New("work", nil, job.WithPriority(1), job.WithAvailableAt(at))
	for _, j := range []*job.Job{low, high, mid} {
		if err := s.Push(ctx, j); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	expect = []id.JobID{high.ID, mid.ID, low.ID}

	for i, wantID := range expect {
		data, err := s.Claim(ctx, "default", w, time.Minute)
		if err != nil {
			t.Fatalf("Claim %d: %v", i, err)
		}
		if data == nil || data.ID != wantID {
			t.Fatalf("claim %d: expected %s, got %v", i, wantID, data)
		}
	}
}

func TestStore_ClaimRespectsAvailableAt(t *testing.T) {
	ctx := context.Background()

	now := time.Now().UTC()
	clock := now
	s := newTestStore(t, WithClock(func() time.Time { return clock }))

	j := job.New("later", nil, job.WithAvailableAt(now.Add(time.Hour)))
	if err := s.Push(ctx, j); err != nil {
		t.Fatalf("Push: %v", err)
	}

	data, err := s.Claim(ctx, "default", id.NewWorkerID(), time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if data != nil {
		t.Fatal("delayed job should not be claimable yet")
	}

	clock = now.Add(2 * time.Hour)
	data, err = s.Claim(ctx, "default", id.NewWorkerID(), time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if data == nil || data.ID != j.ID {
		t.Fatal("delayed job should be claimable after AvailableAt")
	}
}

func TestStore_ClaimIgnoresDeepDelayedBacklog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := id.NewWorkerID()

	// A delayed backlog far larger than one promotion batch must not
	// hide the single eligible job, even though every delayed job
	// outranks it on priority.
	future := time.Now().UTC().Add(time.Hour)
	for range promoteBatch + 1 {
		delayed := job.New("later", nil, job.WithPriority(10), job.WithAvailableAt(future))
		if err := s.Push(ctx, delayed); err != nil {
			t.Fatalf("Push delayed: %v", err)
		}
	}

	ready := job.New("now", nil, job.WithPriority(0))
	if err := s.Push(ctx, ready); err != nil {
		t.Fatalf("Push ready: %v", err)
	}

	data, err := s.Claim(ctx, "default", w, time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if data == nil || data.ID != ready.ID {
		t.Fatalf("expected %s claimed, got %v", ready.ID, data)
	}

	// Nothing else is due yet.
	next, err := s.Claim(ctx, "default", w, time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if next != nil {
		t.Fatalf("expected empty claim, got %v", next)
	}
}

func TestStore_FailRetriesThenTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithBackoff(backoff.NewConstant(0)))

	j := job.New("flaky", nil, job.WithMaxAttempts(2))
	if err := s.Push(ctx, j); err != nil {
		t.Fatalf("Push: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		data, err := s.Claim(ctx, "default", id.NewWorkerID(), time.Minute)
		if err != nil || data == nil {
			t.Fatalf("Claim %d: %v %v", attempt, data, err)
		}
		if err := s.Fail(ctx, j.ID, fmt.Sprintf("boom %d", attempt), 2); err != nil {
			t.Fatalf("Fail %d: %v", attempt, err)
		}
	}

	got, _ := s.Get(ctx, j.ID)
	if got.Status != job.StatusFailed || got.Attempts != 2 {
		t.Fatalf("expected failed/2, got %s/%d", got.Status, got.Attempts)
	}
	if got.LastError != "boom 2" {
		t.Fatalf("expected LastError 'boom 2', got %q", got.LastError)
	}

	if err := s.Fail(ctx, j.ID, "zombie", 2); !errors.Is(err, convey.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStore_ReleaseAndReclaim(t *testing.T) {
	ctx := context.Background()

	now := time.Now().UTC()
	clock := now
	s := newTestStore(t, WithClock(func() time.Time { return clock }))

	j := job.New("work", nil)
	if err := s.Push(ctx, j); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, err := s.Claim(ctx, "default", id.NewWorkerID(), time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := s.Release(ctx, j.ID, 0); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Status != job.StatusPending || got.Attempts != 0 {
		t.Fatalf("expected pending/0 after release, got %s/%d", got.Status, got.Attempts)
	}

	// Claim again, let the lease lapse, reclaim.
	if _, err := s.Claim(ctx, "default", id.NewWorkerID(), time.Second); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	clock = now.Add(time.Minute)
	n, err := s.ReclaimStale(ctx, "default", 0)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	got, _ = s.Get(ctx, j.ID)
	if got.Status != job.StatusPending || got.Attempts != 0 {
		t.Fatalf("expected pending/0 after reclaim, got %s/%d", got.Status, got.Attempts)
	}
}

func TestStore_StatsAndPrune(t *testing.T) {
	ctx := context.Background()

	now := time.Now().UTC()
	clock := now
	s := newTestStore(t, WithClock(func() time.Time { return clock }))

	for range 3 {
		if err := s.Push(ctx, job.New("work", nil)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	data, err := s.Claim(ctx, "default", id.NewWorkerID(), time.Minute)
	if err != nil || data == nil {
		t.Fatalf("Claim: %v %v", data, err)
	}
	if err := s.Complete(ctx, data.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	stats, err := s.Stats(ctx, "default")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 2 || stats.Completed != 1 || stats.Total() != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	clock = now.Add(48 * time.Hour)
	removed, err := s.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned, got %d", removed)
	}
	if _, err := s.Get(ctx, data.ID); !errors.Is(err, convey.ErrJobNotFound) {
		t.Fatalf("pruned job should be gone, got %v", err)
	}
}
