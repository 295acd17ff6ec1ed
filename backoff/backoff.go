// Package backoff provides pluggable retry delay strategies. The engine
// deliberately does not fix a backoff curve: backends accept a Strategy
// and callers pick (or implement) the curve they want. All provided
// strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay applied to a job's availability before a
// retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Func adapts an ordinary function to a Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear increases the delay linearly with the attempt number.
// Delay = min(Step * attempt, Cap).
type Linear struct {
	Step time.Duration
	Cap  time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(step, cap time.Duration) *Linear {
	return &Linear{Step: step, Cap: cap}
}

// Delay returns Step * attempt, capped at Cap.
func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Step * time.Duration(attempt)
	if l.Cap > 0 && d > l.Cap {
		return l.Cap
	}
	return d
}

// Exponential doubles the delay each attempt.
// Delay = min(Base * 2^(attempt-1), Cap).
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base, cap time.Duration) *Exponential {
	return &Exponential{Base: base, Cap: cap}
}

// Delay returns Base * 2^(attempt-1), capped at Cap.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt-1)))
	if e.Cap > 0 && d > e.Cap {
		return e.Cap
	}
	return d
}

// Jittered applies full jitter to an exponential base:
// Delay = random value in [0, min(Base * 2^(attempt-1), Cap)].
// Jitter spreads out retries so a burst of failures does not produce a
// synchronized burst of retries.
type Jittered struct {
	Base time.Duration
	Cap  time.Duration
}

// NewJittered creates an exponential backoff with full jitter.
func NewJittered(base, cap time.Duration) *Jittered {
	return &Jittered{Base: base, Cap: cap}
}

// Delay returns a random duration in [0, min(Base * 2^(attempt-1), Cap)].
func (j *Jittered) Delay(attempt int) time.Duration {
	ceiling := float64(j.Base) * math.Pow(2, float64(attempt-1))
	if j.Cap > 0 && ceiling > float64(j.Cap) {
		ceiling = float64(j.Cap)
	}
	return time.Duration(rand.Float64() * ceiling) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// Default returns the backoff used when a backend is constructed without
// an explicit strategy: exponential with 1s base and 5m cap, no jitter,
// so retry timing stays predictable for tests and operators.
func Default() Strategy {
	return NewExponential(1*time.Second, 5*time.Minute)
}
