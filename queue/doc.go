// Package queue defines the backend contract of the job queue engine:
// the seven producer/worker/operator operations, the stats aggregate,
// and per-queue rate limiting.
//
// # Backend
//
// [Backend] is the polymorphic contract workers interact with. One
// conforming implementation exists per store (store/memory, store/sqlite,
// store/postgres, store/redis, store/mongo). Every implementation gives
// the same guarantee: Claim transitions a job pending → processing via a
// conditional write that fails if another worker already claimed it, so
// a job is returned to at most one concurrent caller. The losing side of
// a race re-selects internally; concurrency never surfaces as an error.
//
// # Per-Queue Configuration
//
// Use [Config] to set per-queue rate limits and concurrency caps local
// to a worker pool:
//
//	queue.Config{
//	    Name:           "email",
//	    MaxConcurrency: 5,  // max 5 concurrent email jobs in this pool
//	    RateLimit:      10, // max 10 claims/s from this queue
//	    RateBurst:      20, // allow bursts up to 20
//	}
//
// [Manager] enforces the limits at claim time using a token-bucket rate
// limiter (golang.org/x/time/rate) and an active-count gate. Queues
// without a Config have no limits beyond the pool-wide concurrency.
package queue
