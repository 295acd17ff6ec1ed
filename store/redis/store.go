// Package redis implements queue.Backend on Redis for high-throughput
// workloads. Jobs are stored as Hashes. Each queue keeps two Sorted
// Sets: a delayed set scored by available_at for jobs not yet due, and a
// ready set scored by priority and arrival order; claims promote due
// jobs from delayed to ready and pop the ready head. Every status
// transition runs as a Lua script so the conditional check and the write
// are one atomic server-side step.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	be := redisstore.New(client)
//	if err := be.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stackline/convey/backoff"
	"github.com/stackline/convey/queue"
)

var _ queue.Backend = (*Store)(nil)

// promoteBatch bounds how many due delayed-set members one claim
// promotes to the ready set. It caps per-claim work only: members past
// the batch are promoted by subsequent claims, and jobs already in the
// ready set stay claimable regardless of the delayed backlog.
const promoteBatch = 128

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithBackoff sets the retry delay strategy applied by Fail.
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Store) { s.retry = b }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.clock = now }
}

// Store implements queue.Backend backed by Redis.
type Store struct {
	client goredis.Cmdable
	retry  backoff.Strategy
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client: client,
		retry:  backoff.Default(),
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
