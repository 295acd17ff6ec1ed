package cron

import (
	"errors"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/stackline/convey"
	"github.com/stackline/convey/id"
)

var (
	// ErrEntryExists is returned by Add when the entry name is taken.
	ErrEntryExists = errors.New("cron: entry already exists")
	// ErrEntryNotFound is returned when no entry has the given name.
	ErrEntryNotFound = errors.New("cron: entry not found")
)

// Entry represents a recurring job schedule.
type Entry struct {
	convey.Entity

	ID       id.CronID `json:"id"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Handler  string    `json:"handler"`
	Queue    string    `json:"queue,omitempty"`
	Payload  []byte    `json:"payload,omitempty"`
	Enabled  bool      `json:"enabled"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time  `json:"next_run_at"`

	// schedule is the parsed form of Schedule, set by Add.
	schedule cronlib.Schedule
}

// cronParser supports standard 5-field cron and descriptors like
// "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression or descriptor.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}
