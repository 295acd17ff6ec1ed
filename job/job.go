package job

import (
	"time"

	"github.com/stackline/convey"
	"github.com/stackline/convey/id"
)

// Status represents the lifecycle status of a job.
type Status string

const (
	// StatusPending means the job is waiting to be claimed by a worker.
	StatusPending Status = "pending"
	// StatusProcessing means a worker holds the job under a lease.
	StatusProcessing Status = "processing"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job exhausted its attempts and will not run again.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status permits no further transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// transitions is the full edge set of the state machine. pending →
// processing is the claim; processing → pending covers both retry-on-fail
// and voluntary release.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusPending},
}

// CanTransition reports whether moving from one status to another is a
// legal edge of the state machine. Terminal statuses have no outgoing
// edges.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job represents a unit of work to be processed by a worker.
//
// id, Queue, and Handler never change after creation. Status, Attempts,
// AvailableAt, LastError, and the lease fields are owned by the backend:
// producers write only at creation, workers mutate only through backend
// operations.
type Job struct {
	convey.Entity

	ID          id.JobID `json:"id"`
	Queue       string   `json:"queue"`
	Handler     string   `json:"handler"`
	Payload     []byte   `json:"payload"`
	Status      Status   `json:"status"`
	Priority    int      `json:"priority"`
	Attempts    int      `json:"attempts"`
	MaxAttempts int      `json:"max_attempts"`
	LastError   string   `json:"last_error,omitempty"`

	// AvailableAt gates claim eligibility: the job is claimable only
	// once AvailableAt <= now. Push delay and retry backoff both land here.
	AvailableAt time.Time `json:"available_at"`

	// LeaseExpiresAt is set by a successful claim to now + lease. A
	// processing job past this deadline is a candidate for reclamation.
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	ClaimedBy      id.WorkerID `json:"claimed_by,omitempty"`
}

// New builds a pending job for the given handler with the supplied
// options applied. The payload bytes are stored verbatim; use
// EncodePayload for the fail-open serialization policy.
func New(handler string, payload []byte, opts ...Option) *Job {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	now := time.Now().UTC()
	j := &Job{
		Entity:      convey.NewEntity(),
		ID:          id.NewJobID(),
		Queue:       o.Queue,
		Handler:     handler,
		Payload:     payload,
		Status:      StatusPending,
		Priority:    o.Priority,
		MaxAttempts: o.MaxAttempts,
		AvailableAt: now.Add(o.Delay),
	}
	if !o.AvailableAt.IsZero() {
		j.AvailableAt = o.AvailableAt
	}
	return j
}

// Eligible reports whether the job may be claimed at the given instant.
func (j *Job) Eligible(now time.Time) bool {
	return j.Status == StatusPending && !j.AvailableAt.After(now)
}

// LeaseExpired reports whether a processing job's lease deadline has
// passed by more than grace. Jobs in any other status never report an
// expired lease.
func (j *Job) LeaseExpired(now time.Time, grace time.Duration) bool {
	if j.Status != StatusProcessing || j.LeaseExpiresAt == nil {
		return false
	}
	return now.After(j.LeaseExpiresAt.Add(grace))
}

// Snapshot returns the immutable claim view of the job. Workers receive
// this instead of the record itself so nothing they do to the snapshot
// can corrupt backend bookkeeping.
func (j *Job) Snapshot() Data {
	return Data{
		ID:             j.ID,
		Queue:          j.Queue,
		Handler:        j.Handler,
		Payload:        append([]byte(nil), j.Payload...),
		Priority:       j.Priority,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		LeaseExpiresAt: derefTime(j.LeaseExpiresAt),
		CreatedAt:      j.CreatedAt,
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Data is the immutable snapshot handed to the caller of a claim.
type Data struct {
	ID             id.JobID
	Queue          string
	Handler        string
	Payload        []byte
	Priority       int
	Attempts       int
	MaxAttempts    int
	LeaseExpiresAt time.Time
	CreatedAt      time.Time
}

// Decode interprets the snapshot's payload using the defensive policy
// described in DecodePayload.
func (d Data) Decode() map[string]any {
	return DecodePayload(d.Payload)
}
