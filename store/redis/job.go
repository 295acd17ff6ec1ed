package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stackline/convey"
	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
	"github.com/stackline/convey/queue"
)

// failConflictRetries bounds how often Fail re-reads after losing the
// attempt-count race to a concurrent mutation.
const failConflictRetries = 3

// Push stores the job as a Hash and schedules it on the queue's delayed
// Sorted Set; a claim promotes it to the ready set once available_at
// passes.
func (s *Store) Push(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("convey/redis: push check exists: %w", err)
	}
	if exists > 0 {
		return convey.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, delayedKey(j.Queue), goredis.Z{
		Score:  float64(j.AvailableAt.UnixMilli()),
		Member: jID,
	})
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("convey/redis: push job: %w", err)
	}
	return nil
}

// Claim atomically acquires the most eligible pending job on the queue.
func (s *Store) Claim(ctx context.Context, queueName string, worker id.WorkerID, lease time.Duration) (*job.Data, error) {
	now := s.clock()

	res, err := claimScript.Run(ctx, s.client,
		[]string{queueKey(queueName), delayedKey(queueName)},
		now.UnixMilli(),
		now.Add(lease).UnixMilli(),
		worker.String(),
		keyPrefix+"job:",
		promoteBatch,
	).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("convey/redis: claim job: %w", err)
	}

	jID, ok := res.(string)
	if !ok || jID == "" {
		return nil, nil
	}

	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return nil, err
	}
	data := j.Snapshot()
	return &data, nil
}

// Complete transitions a processing job to completed.
func (s *Store) Complete(ctx context.Context, jobID id.JobID) error {
	res, err := completeScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String())},
		s.clock().UnixMilli(),
	).Text()
	if err != nil {
		return fmt.Errorf("convey/redis: complete job: %w", err)
	}
	return scriptResult(res)
}

// Fail records a failed attempt. The backoff delay is computed from the
// new attempt count, so the script guards on the count it was computed
// from and we retry on a conflicting concurrent mutation.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, msg string, maxAttempts int) error {
	jID := jobID.String()
	key := jobKey(jID)

	for range failConflictRetries {
		vals, err := s.client.HMGet(ctx, key, "queue", "attempts").Result()
		if err != nil {
			return fmt.Errorf("convey/redis: fail job: read: %w", err)
		}
		queueName, _ := vals[0].(string)
		attemptsStr, _ := vals[1].(string)
		if queueName == "" && attemptsStr == "" {
			return convey.ErrJobNotFound
		}
		attempts, _ := strconv.Atoi(attemptsStr) //nolint:errcheck // written by this store

		now := s.clock()
		availableAt := now.Add(s.retry.Delay(attempts + 1))

		res, err := failScript.Run(ctx, s.client,
			[]string{key, delayedKey(queueName)},
			attemptsStr,
			maxAttempts,
			msg,
			now.UnixMilli(),
			availableAt.UnixMilli(),
			jID,
		).Text()
		if err != nil {
			return fmt.Errorf("convey/redis: fail job: %w", err)
		}
		if res == "conflict" {
			continue
		}
		return scriptResult(res)
	}
	return convey.ErrInvalidTransition
}

// Release returns a processing job to pending without consuming an
// attempt.
func (s *Store) Release(ctx context.Context, jobID id.JobID, delay time.Duration) error {
	jID := jobID.String()
	key := jobKey(jID)

	queueName, err := s.client.HGet(ctx, key, "queue").Result()
	if err != nil {
		if err == goredis.Nil {
			return convey.ErrJobNotFound
		}
		return fmt.Errorf("convey/redis: release job: read: %w", err)
	}

	now := s.clock()
	availableAt := now.Add(delay)

	res, err := releaseScript.Run(ctx, s.client,
		[]string{key, delayedKey(queueName)},
		now.UnixMilli(),
		availableAt.UnixMilli(),
		jID,
	).Text()
	if err != nil {
		return fmt.Errorf("convey/redis: release job: %w", err)
	}
	return scriptResult(res)
}

// Get retrieves a job by id.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// Stats returns the per-status counts for one queue. Redis keeps no
// per-status index, so this walks the job id set.
func (s *Store) Stats(ctx context.Context, queueName string) (queue.Stats, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return queue.Stats{}, fmt.Errorf("convey/redis: stats smembers: %w", err)
	}

	var stats queue.Stats
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // deleted between SMEMBERS and HGETALL
		}
		if j.Queue != queueName {
			continue
		}
		switch j.Status {
		case job.StatusPending:
			stats.Pending++
		case job.StatusProcessing:
			stats.Processing++
		case job.StatusCompleted:
			stats.Completed++
		case job.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Prune deletes terminal jobs older than the threshold. Terminal jobs
// never transition again, so the scan-then-delete doesn't race.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("convey/redis: prune smembers: %w", err)
	}

	cutoff := s.clock().Add(-olderThan)
	var removed int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if !j.Status.Terminal() || !j.UpdatedAt.Before(cutoff) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, jobKey(jID))
		pipe.SRem(ctx, jobIDsKey, jID)
		pipe.ZRem(ctx, queueKey(j.Queue), jID)
		pipe.ZRem(ctx, delayedKey(j.Queue), jID)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("convey/redis: prune delete: %w", err)
		}
		removed++
	}
	return removed, nil
}

// ReclaimStale requeues processing jobs whose lease expired more than
// grace ago. An empty queue name reclaims across all queues.
func (s *Store) ReclaimStale(ctx context.Context, queueName string, grace time.Duration) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("convey/redis: reclaim smembers: %w", err)
	}

	now := s.clock()
	cutoff := now.Add(-grace)

	var reclaimed int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if queueName != "" && j.Queue != queueName {
			continue
		}
		if j.Status != job.StatusProcessing {
			continue
		}

		// The script re-checks status and lease atomically; the filter
		// above only avoids pointless script calls.
		res, scriptErr := reclaimScript.Run(ctx, s.client,
			[]string{jobKey(jID), delayedKey(j.Queue)},
			cutoff.UnixMilli(),
			now.UnixMilli(),
			jID,
		).Text()
		if scriptErr != nil {
			return reclaimed, fmt.Errorf("convey/redis: reclaim job: %w", scriptErr)
		}
		if res == "ok" {
			reclaimed++
		}
	}
	return reclaimed, nil
}

// ── helpers ──

// scriptResult maps a transition script's verdict to the sentinel errors.
func scriptResult(res string) error {
	switch res {
	case "ok":
		return nil
	case "missing":
		return convey.ErrJobNotFound
	default:
		return convey.ErrInvalidTransition
	}
}

// jobToMap flattens a job into Redis Hash fields. Timestamps are unix
// milliseconds so the Lua scripts can compare them numerically.
func jobToMap(j *job.Job) map[string]any {
	m := map[string]any{
		"id":           j.ID.String(),
		"queue":        j.Queue,
		"handler":      j.Handler,
		"payload":      string(j.Payload),
		"status":       string(j.Status),
		"priority":     strconv.Itoa(j.Priority),
		"attempts":     strconv.Itoa(j.Attempts),
		"max_attempts": strconv.Itoa(j.MaxAttempts),
		"last_error":   j.LastError,
		"available_at": strconv.FormatInt(j.AvailableAt.UnixMilli(), 10),
		"created_at":   strconv.FormatInt(j.CreatedAt.UnixMilli(), 10),
		"updated_at":   strconv.FormatInt(j.UpdatedAt.UnixMilli(), 10),
	}
	if !j.ClaimedBy.IsNil() {
		m["claimed_by"] = j.ClaimedBy.String()
	}
	if j.LeaseExpiresAt != nil {
		m["lease_expires_at"] = strconv.FormatInt(j.LeaseExpiresAt.UnixMilli(), 10)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("convey/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, convey.ErrJobNotFound
	}
	return mapToJob(vals)
}

func millisToTime(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64) //nolint:errcheck // written by this store
	return time.UnixMilli(ms).UTC()
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("convey/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])        //nolint:errcheck // written by this store
	attempts, _ := strconv.Atoi(m["attempts"])        //nolint:errcheck // written by this store
	maxAttempts, _ := strconv.Atoi(m["max_attempts"]) //nolint:errcheck // written by this store

	j := &job.Job{
		Entity: convey.Entity{
			CreatedAt: millisToTime(m["created_at"]),
			UpdatedAt: millisToTime(m["updated_at"]),
		},
		ID:          jID,
		Queue:       m["queue"],
		Handler:     m["handler"],
		Payload:     []byte(m["payload"]),
		Status:      job.Status(m["status"]),
		Priority:    priority,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LastError:   m["last_error"],
		AvailableAt: millisToTime(m["available_at"]),
	}

	if v := m["claimed_by"]; v != "" {
		j.ClaimedBy, _ = id.ParseWorkerID(v) //nolint:errcheck // written by this store
	}
	if v := m["lease_expires_at"]; v != "" {
		t := millisToTime(v)
		j.LeaseExpiresAt = &t
	}
	return j, nil
}
