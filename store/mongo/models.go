package mongo

import (
	"fmt"
	"time"

	"github.com/stackline/convey"
	"github.com/stackline/convey/id"
	"github.com/stackline/convey/job"
)

type jobModel struct {
	ID             string     `bson:"_id"`
	Queue          string     `bson:"queue"`
	Handler        string     `bson:"handler"`
	Payload        []byte     `bson:"payload"`
	Status         string     `bson:"status"`
	Priority       int        `bson:"priority"`
	Attempts       int        `bson:"attempts"`
	MaxAttempts    int        `bson:"max_attempts"`
	LastError      string     `bson:"last_error"`
	AvailableAt    time.Time  `bson:"available_at"`
	LeaseExpiresAt *time.Time `bson:"lease_expires_at,omitempty"`
	ClaimedBy      string     `bson:"claimed_by"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
}

func toJobModel(j *job.Job) *jobModel {
	claimedBy := ""
	if !j.ClaimedBy.IsNil() {
		claimedBy = j.ClaimedBy.String()
	}
	return &jobModel{
		ID:             j.ID.String(),
		Queue:          j.Queue,
		Handler:        j.Handler,
		Payload:        j.Payload,
		Status:         string(j.Status),
		Priority:       j.Priority,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		LastError:      j.LastError,
		AvailableAt:    j.AvailableAt,
		LeaseExpiresAt: j.LeaseExpiresAt,
		ClaimedBy:      claimedBy,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("convey/mongo: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: convey.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:          parsedID,
		Queue:       m.Queue,
		Handler:     m.Handler,
		Payload:     m.Payload,
		Status:      job.Status(m.Status),
		Priority:    m.Priority,
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		LastError:   m.LastError,
		AvailableAt: m.AvailableAt.UTC(),
	}
	if m.LeaseExpiresAt != nil {
		t := m.LeaseExpiresAt.UTC()
		j.LeaseExpiresAt = &t
	}
	if m.ClaimedBy != "" {
		j.ClaimedBy, err = id.ParseWorkerID(m.ClaimedBy)
		if err != nil {
			return nil, fmt.Errorf("convey/mongo: parse worker id %q: %w", m.ClaimedBy, err)
		}
	}
	return j, nil
}
