// Package cron provides an in-process scheduler that enqueues jobs on a
// recurring schedule.
//
// Entries are held in memory and evaluated on every tick; a due entry
// enqueues one job through the callback supplied by the engine. The
// scheduler does no distributed coordination — run one scheduler per
// deployment, or accept duplicate enqueues.
//
// # Schedules
//
// Standard 5-field cron expressions and descriptors are supported:
//
//	"*/5 * * * *"     every five minutes
//	"0 9 * * 1-5"     09:00 on weekdays
//	"@every 30s"      every 30 seconds
//	"@hourly"         top of every hour
//
// # Adding an entry
//
//	sched := cron.NewScheduler(enqueue, logger)
//	_, err := sched.Add("daily-report", "0 9 * * *", "generate-report",
//	    []byte(`{"format":"pdf"}`))
//
// Entries can be enabled, disabled, and removed at runtime by name.
package cron
