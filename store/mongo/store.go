// Package mongo implements queue.Backend on MongoDB using the official
// driver. Claims use FindOneAndUpdate so selection and the pending →
// processing transition are one atomic document operation.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/stackline/convey/backoff"
	"github.com/stackline/convey/queue"
)

const colJobs = "convey_jobs"

var _ queue.Backend = (*Store)(nil)

// Store is a MongoDB implementation of queue.Backend.
type Store struct {
	client *mongod.Client
	db     *mongod.Database
	retry  backoff.Strategy
	logger *slog.Logger
	clock  func() time.Time

	// ownsClient is set when New dialed the connection itself, in which
	// case Close disconnects it.
	ownsClient bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithBackoff sets the retry delay strategy applied by Fail.
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Store) { s.retry = b }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.clock = now }
}

// New dials MongoDB at uri and returns a store on the named database.
func New(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("convey/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("convey/mongo: ping: %w", err)
	}

	s := NewFromClient(client, database, opts...)
	s.ownsClient = true
	return s, nil
}

// NewFromClient creates a store from an existing client. The caller owns
// the client lifecycle; Close will not disconnect it.
func NewFromClient(client *mongod.Client, database string, opts ...Option) *Store {
	s := &Store{
		client: client,
		db:     client.Database(database),
		retry:  backoff.Default(),
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// jobs returns the job collection.
func (s *Store) jobs() *mongod.Collection {
	return s.db.Collection(colJobs)
}

// Migrate creates the indexes the queue operations rely on.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := []mongod.IndexModel{
		// Claim index: queue + status + priority DESC + available_at.
		{Keys: bson.D{
			{Key: "queue", Value: 1},
			{Key: "status", Value: 1},
			{Key: "priority", Value: -1},
			{Key: "available_at", Value: 1},
		}},
		// Prune index: terminal rows by age.
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "updated_at", Value: 1},
		}},
		// Reclaim index: processing rows by lease deadline.
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "lease_expires_at", Value: 1},
		}},
	}
	if _, err := s.jobs().Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("convey/mongo: migrate indexes: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client if this store dialed it; otherwise the
// caller owns the client and Close is a no-op.
func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// ── helpers ──────────────────────────────────────────────────────

// isNoDocuments returns true when err indicates no documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}
