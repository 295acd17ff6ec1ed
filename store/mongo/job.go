package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/stackline/convey"
	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
	"github.com/stackline/convey/queue"
)

// failConflictRetries bounds how often Fail re-reads after losing the
// attempt-count race to a concurrent mutation.
const failConflictRetries = 3

// Push persists a new pending job.
func (s *Store) Push(ctx context.Context, j *job.Job) error {
	if _, err := s.jobs().InsertOne(ctx, toJobModel(j)); err != nil {
		if isDuplicateKey(err) {
			return convey.ErrJobAlreadyExists
		}
		return fmt.Errorf("convey/mongo: push job: %w", err)
	}
	return nil
}

// Claim atomically acquires the most eligible pending job on the queue.
// FindOneAndUpdate makes selection and transition one document-level
// atomic operation, so racing workers never claim the same job.
func (s *Store) Claim(ctx context.Context, queueName string, worker id.WorkerID, lease time.Duration) (*job.Data, error) {
	now := s.clock()

	filter := bson.M{
		"queue":        queueName,
		"status":       string(job.StatusPending),
		"available_at": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{
			"status":           string(job.StatusProcessing),
			"lease_expires_at": now.Add(lease),
			"claimed_by":       worker.String(),
			"updated_at":       now,
		},
	}
	// The _id tie-break is insertion order because job ids are
	// K-sortable.
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{
			{Key: "priority", Value: -1},
			{Key: "available_at", Value: 1},
			{Key: "_id", Value: 1},
		})

	var m jobModel
	err := s.jobs().FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("convey/mongo: claim job: %w", err)
	}

	j, err := fromJobModel(&m)
	if err != nil {
		return nil, err
	}
	data := j.Snapshot()
	return &data, nil
}

// Complete transitions a processing job to completed.
func (s *Store) Complete(ctx context.Context, jobID id.JobID) error {
	res, err := s.jobs().UpdateOne(ctx,
		bson.M{"_id": jobID.String(), "status": string(job.StatusProcessing)},
		bson.M{
			"$set": bson.M{
				"status":     string(job.StatusCompleted),
				"claimed_by": "",
				"updated_at": s.clock(),
			},
			"$unset": bson.M{"lease_expires_at": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("convey/mongo: complete job: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.transitionError(ctx, jobID)
	}
	return nil
}

// Fail records a failed attempt. The backoff delay depends on the new
// attempt count, so the update filter guards on the count the delay was
// computed from; a lost race re-reads and retries.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, msg string, maxAttempts int) error {
	for range failConflictRetries {
		var m jobModel
		err := s.jobs().FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				return convey.ErrJobNotFound
			}
			return fmt.Errorf("convey/mongo: fail job: read: %w", err)
		}
		if m.Status != string(job.StatusProcessing) {
			return convey.ErrInvalidTransition
		}

		now := s.clock()
		attempts := m.Attempts + 1

		set := bson.M{
			"attempts":     attempts,
			"max_attempts": maxAttempts,
			"last_error":   msg,
			"claimed_by":   "",
			"updated_at":   now,
		}
		if attempts >= maxAttempts {
			set["status"] = string(job.StatusFailed)
		} else {
			set["status"] = string(job.StatusPending)
			set["available_at"] = now.Add(s.retry.Delay(attempts))
		}

		res, err := s.jobs().UpdateOne(ctx,
			bson.M{
				"_id":      jobID.String(),
				"status":   string(job.StatusProcessing),
				"attempts": m.Attempts,
			},
			bson.M{
				"$set":   set,
				"$unset": bson.M{"lease_expires_at": ""},
			},
		)
		if err != nil {
			return fmt.Errorf("convey/mongo: fail job: write: %w", err)
		}
		if res.MatchedCount > 0 {
			return nil
		}
		// Lost the race; re-read and retry.
	}
	return convey.ErrInvalidTransition
}

// Release returns a processing job to pending without consuming an
// attempt.
func (s *Store) Release(ctx context.Context, jobID id.JobID, delay time.Duration) error {
	now := s.clock()
	res, err := s.jobs().UpdateOne(ctx,
		bson.M{"_id": jobID.String(), "status": string(job.StatusProcessing)},
		bson.M{
			"$set": bson.M{
				"status":       string(job.StatusPending),
				"available_at": now.Add(delay),
				"claimed_by":   "",
				"updated_at":   now,
			},
			"$unset": bson.M{"lease_expires_at": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("convey/mongo: release job: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.transitionError(ctx, jobID)
	}
	return nil
}

// transitionError distinguishes a missing document from an illegal
// transition after a conditional update matched nothing.
func (s *Store) transitionError(ctx context.Context, jobID id.JobID) error {
	count, err := s.jobs().CountDocuments(ctx, bson.M{"_id": jobID.String()})
	if err != nil {
		return fmt.Errorf("convey/mongo: check job: %w", err)
	}
	if count == 0 {
		return convey.ErrJobNotFound
	}
	return convey.ErrInvalidTransition
}

// Get retrieves a job by id.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var m jobModel
	err := s.jobs().FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, convey.ErrJobNotFound
		}
		return nil, fmt.Errorf("convey/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// Stats returns the per-status counts for one queue using a single
// aggregation pass.
func (s *Store) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	cursor, err := s.jobs().Aggregate(ctx, bson.A{
		bson.M{"$match": bson.M{"queue": queueName}},
		bson.M{"$group": bson.M{
			"_id":   "$status",
			"count": bson.M{"$sum": 1},
		}},
	})
	if err != nil {
		return queue.Stats{}, fmt.Errorf("convey/mongo: stats: %w", err)
	}
	defer cursor.Close(ctx) //nolint:errcheck

	var stats queue.Stats
	for cursor.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			Count  int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return queue.Stats{}, fmt.Errorf("convey/mongo: stats decode: %w", err)
		}
		switch job.Status(row.Status) {
		case job.StatusPending:
			stats.Pending = row.Count
		case job.StatusProcessing:
			stats.Processing = row.Count
		case job.StatusCompleted:
			stats.Completed = row.Count
		case job.StatusFailed:
			stats.Failed = row.Count
		}
	}
	if err := cursor.Err(); err != nil {
		return queue.Stats{}, fmt.Errorf("convey/mongo: stats cursor: %w", err)
	}
	return stats, nil
}

// Prune deletes terminal jobs older than the threshold.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.jobs().DeleteMany(ctx, bson.M{
		"status": bson.M{"$in": []string{
			string(job.StatusCompleted),
			string(job.StatusFailed),
		}},
		"updated_at": bson.M{"$lt": s.clock().Add(-olderThan)},
	})
	if err != nil {
		return 0, fmt.Errorf("convey/mongo: prune: %w", err)
	}
	return res.DeletedCount, nil
}

// ReclaimStale requeues processing jobs whose lease expired more than
// grace ago. An empty queue name reclaims across all queues.
func (s *Store) ReclaimStale(ctx context.Context, queueName string, grace time.Duration) (int64, error) {
	now := s.clock()

	filter := bson.M{
		"status":           string(job.StatusProcessing),
		"lease_expires_at": bson.M{"$lt": now.Add(-grace)},
	}
	if queueName != "" {
		filter["queue"] = queueName
	}

	res, err := s.jobs().UpdateMany(ctx, filter, bson.M{
		"$set": bson.M{
			"status":       string(job.StatusPending),
			"available_at": now,
			"claimed_by":   "",
			"updated_at":   now,
		},
		"$unset": bson.M{"lease_expires_at": ""},
	})
	if err != nil {
		return 0, fmt.Errorf("convey/mongo: reclaim stale: %w", err)
	}
	return res.ModifiedCount, nil
}
