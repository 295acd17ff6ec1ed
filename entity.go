package convey

import "time"

// Entity carries the bookkeeping timestamps shared by every persisted
// record. It is embedded in job.Job and cron entries; the backend is the
// only writer of UpdatedAt after creation.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity with both timestamps set to now (UTC).
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}
