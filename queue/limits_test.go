package queue

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	// No configs; Acquire/Release should always succeed.
	if !m.Acquire("any-queue") {
		t.Fatal("expected Acquire to succeed for unconfigured queue")
	}
	m.Release("any-queue")
}

func TestNewManager_WithConfig(t *testing.T) {
	m := NewManager(Config{
		Name:           "emails",
		MaxConcurrency: 2,
	})
	if m.ActiveCount("emails") != 0 {
		t.Fatal("expected 0 active jobs initially")
	}
}

// ---------------------------------------------------------------------------
// Concurrency limits
// ---------------------------------------------------------------------------

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{
		Name:           "emails",
		MaxConcurrency: 2,
	})

	if !m.Acquire("emails") {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire("emails") {
		t.Fatal("second Acquire should succeed")
	}
	// Third should be blocked.
	if m.Acquire("emails") {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	// Release one slot.
	m.Release("emails")
	if !m.Acquire("emails") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_AcquireRelease_ActiveCount(t *testing.T) {
	m := NewManager(Config{
		Name:           "q",
		MaxConcurrency: 5,
	})

	for i := range 3 {
		if !m.Acquire("q") {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if m.ActiveCount("q") != 3 {
		t.Fatalf("expected 3 active, got %d", m.ActiveCount("q"))
	}

	m.Release("q")
	m.Release("q")
	if m.ActiveCount("q") != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount("q"))
	}
}

func TestManager_Release_NeverNegative(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxConcurrency: 1})

	m.Release("q")
	m.Release("q")
	if m.ActiveCount("q") != 0 {
		t.Fatalf("expected 0 active, got %d", m.ActiveCount("q"))
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Config{
		Name:      "limited",
		RateLimit: 1.0, // 1 per second
		RateBurst: 1,
	})

	// First should succeed (burst allows it).
	if !m.Acquire("limited") {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release("limited")

	// Immediately after, token bucket is empty.
	if m.Acquire("limited") {
		t.Fatal("second Acquire should be throttled")
	}
}

func TestManager_RateLimit_Refills(t *testing.T) {
	m := NewManager(Config{
		Name:      "refill",
		RateLimit: 50.0, // refills fast enough for a test
		RateBurst: 1,
	})

	if !m.Acquire("refill") {
		t.Fatal("first Acquire should succeed")
	}
	m.Release("refill")

	time.Sleep(40 * time.Millisecond)
	if !m.Acquire("refill") {
		t.Fatal("Acquire should succeed after token refill")
	}
}

func TestManager_Refund_ReturnsRateToken(t *testing.T) {
	m := NewManager(Config{
		Name:      "idle",
		RateLimit: 0.01, // would take ~100s to refill without a refund
		RateBurst: 1,
	})

	// An empty-handed claim refunds its token, so repeated idle polling
	// never exhausts the rate budget.
	for range 10 {
		if !m.Acquire("idle") {
			t.Fatal("Acquire should succeed after a refund")
		}
		m.Refund("idle")
	}
	if m.ActiveCount("idle") != 0 {
		t.Fatalf("expected 0 active after refunds, got %d", m.ActiveCount("idle"))
	}

	// A successful claim keeps the token spent.
	if !m.Acquire("idle") {
		t.Fatal("Acquire should succeed with the refunded token")
	}
	m.Release("idle")
	if m.Acquire("idle") {
		t.Fatal("Acquire should be throttled once a token is spent")
	}
}

func TestManager_Acquire_ConcurrencyBlockKeepsToken(t *testing.T) {
	m := NewManager(Config{
		Name:           "tight",
		MaxConcurrency: 1,
		RateLimit:      0.01,
		RateBurst:      2,
	})

	if !m.Acquire("tight") {
		t.Fatal("first Acquire should succeed")
	}
	// Blocked on concurrency, not rate; must not consume a token.
	if m.Acquire("tight") {
		t.Fatal("second Acquire should fail (max concurrency 1)")
	}
	m.Release("tight")

	if !m.Acquire("tight") {
		t.Fatal("Acquire should still have a burst token left")
	}
}

// ---------------------------------------------------------------------------
// Dynamic reconfiguration
// ---------------------------------------------------------------------------

func TestManager_SetConfig_PreservesActive(t *testing.T) {
	m := NewManager(Config{Name: "q", MaxConcurrency: 2})

	if !m.Acquire("q") {
		t.Fatal("Acquire should succeed")
	}

	m.SetConfig(Config{Name: "q", MaxConcurrency: 1})
	if m.ActiveCount("q") != 1 {
		t.Fatalf("active count should survive reconfiguration, got %d", m.ActiveCount("q"))
	}
	// Already at the new limit.
	if m.Acquire("q") {
		t.Fatal("Acquire should fail at the reduced limit")
	}
}

func TestManager_SetConfig_NewQueue(t *testing.T) {
	m := NewManager()
	m.SetConfig(Config{Name: "fresh", MaxConcurrency: 1})

	if !m.Acquire("fresh") {
		t.Fatal("first Acquire should succeed")
	}
	if m.Acquire("fresh") {
		t.Fatal("second Acquire should fail (max concurrency 1)")
	}
}
