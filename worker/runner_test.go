package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stackline/convey"
	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
	"github.com/stackline/convey/middleware"
	"github.com/stackline/convey/store/memory"
	"github.com/stackline/convey/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pushAndClaim enqueues a job for the given handler and claims it,
// returning the snapshot a worker would execute.
func pushAndClaim(t *testing.T, st *memory.Store, handler string, opts ...job.Option) *job.Data {
	t.Helper()
	ctx := context.Background()

	j := job.New(handler, nil, opts...)
	if err := st.Push(ctx, j); err != nil {
		t.Fatalf("Push: %v", err)
	}
	claimed, err := st.Claim(ctx, j.Queue, id.NewWorkerID(), time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimed job")
	}
	return claimed
}

func TestRunner_Success(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()

	registry := job.NewRegistry()
	called := false
	registry.Register("ok", func(_ context.Context, _ []byte) error {
		called = true
		return nil
	})

	r := worker.NewRunner(registry, st, testLogger())
	claimed := pushAndClaim(t, st, "ok")

	if err := r.Run(ctx, claimed); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}

	got, err := st.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestRunner_HandlerError_Retries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()

	registry := job.NewRegistry()
	want := errors.New("smtp unreachable")
	registry.Register("flaky", func(_ context.Context, _ []byte) error {
		return want
	})

	r := worker.NewRunner(registry, st, testLogger())
	claimed := pushAndClaim(t, st, "flaky", job.WithMaxAttempts(3))

	if err := r.Run(ctx, claimed); !errors.Is(err, want) {
		t.Fatalf("expected handler error, got %v", err)
	}

	got, err := st.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusPending {
		t.Fatalf("expected pending after retryable failure, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt consumed, got %d", got.Attempts)
	}
	if got.LastError != "smtp unreachable" {
		t.Fatalf("expected last error recorded, got %q", got.LastError)
	}
}

func TestRunner_HandlerError_Terminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()

	registry := job.NewRegistry()
	registry.Register("doomed", func(_ context.Context, _ []byte) error {
		return errors.New("always fails")
	})

	r := worker.NewRunner(registry, st, testLogger())
	claimed := pushAndClaim(t, st, "doomed", job.WithMaxAttempts(1))

	if err := r.Run(ctx, claimed); err == nil {
		t.Fatal("expected handler error")
	}

	got, err := st.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed after last attempt, got %s", got.Status)
	}
}

func TestRunner_UnregisteredHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()

	r := worker.NewRunner(job.NewRegistry(), st, testLogger())
	claimed := pushAndClaim(t, st, "nobody-home", job.WithMaxAttempts(1))

	err := r.Run(ctx, claimed)
	if !errors.Is(err, convey.ErrHandlerNotRegistered) {
		t.Fatalf("expected ErrHandlerNotRegistered, got %v", err)
	}

	// The miss consumes an attempt like any other failure.
	got, getErr := st.Get(ctx, claimed.ID)
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
}

func TestRunner_ShutdownReleasesJob(t *testing.T) {
	t.Parallel()
	st := memory.New()

	registry := job.NewRegistry()
	registry.Register("slow", func(ctx context.Context, _ []byte) error {
		<-ctx.Done()
		return ctx.Err()
	})

	r := worker.NewRunner(registry, st, testLogger())
	claimed := pushAndClaim(t, st, "slow")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := r.Run(ctx, claimed); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	got, err := st.Get(context.Background(), claimed.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusPending {
		t.Fatalf("expected pending after release, got %s", got.Status)
	}
	if got.Attempts != 0 {
		t.Fatalf("release must not consume an attempt, got %d", got.Attempts)
	}
}

func TestRunner_MiddlewareWrapsHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memory.New()

	var order []string
	mw := func(ctx context.Context, _ *job.Data, next middleware.Handler) error {
		order = append(order, "before")
		err := next(ctx)
		order = append(order, "after")
		return err
	}

	registry := job.NewRegistry()
	registry.Register("wrapped", func(_ context.Context, _ []byte) error {
		order = append(order, "handler")
		return nil
	})

	r := worker.NewRunner(registry, st, testLogger(), mw)
	claimed := pushAndClaim(t, st, "wrapped")

	if err := r.Run(ctx, claimed); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 3 || order[0] != "before" || order[1] != "handler" || order[2] != "after" {
		t.Fatalf("unexpected execution order: %v", order)
	}
}
