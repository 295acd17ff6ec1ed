package job

import "time"

// Options configures per-job behavior such as retries, queue, priority,
// and initial delay.
type Options struct {
	// MaxAttempts is the ceiling on claim attempts before the job goes
	// permanently failed.
	MaxAttempts int

	// Queue is the queue name this job should be pushed to.
	Queue string

	// Priority determines claim ordering. Higher values are claimed first.
	Priority int

	// Delay postpones eligibility: AvailableAt = now + Delay.
	Delay time.Duration

	// AvailableAt schedules the job for a specific instant. When set it
	// takes precedence over Delay.
	AvailableAt time.Time
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Queue:       "default",
		Priority:    0,
	}
}

// Option is a functional option for configuring a job.
type Option func(*Options)

// WithMaxAttempts sets the attempts ceiling.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithQueue sets the queue name for the job.
func WithQueue(q string) Option {
	return func(o *Options) {
		o.Queue = q
	}
}

// WithPriority sets the job priority. Higher values are claimed first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithDelay postpones the job's claim eligibility by d.
func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Delay = d
	}
}

// WithAvailableAt schedules the job for execution at a specific time.
func WithAvailableAt(t time.Time) Option {
	return func(o *Options) {
		o.AvailableAt = t
	}
}
