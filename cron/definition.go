package cron

import (
	"encoding/json"
	"fmt"
)

// Definition is a typed cron definition. T is the static payload type
// enqueued on every firing (must be JSON-serializable).
type Definition[T any] struct {
	// Name is the unique identifier for this entry.
	Name string

	// Schedule is a cron expression (e.g. "*/5 * * * *" or "@every 30s").
	Schedule string

	// Handler is the registered job handler to enqueue on each firing.
	Handler string

	// Payload is the payload enqueued with every job.
	Payload T

	// Queue overrides the default queue (optional).
	Queue string
}

// AddDefinition registers a typed cron definition with the scheduler.
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func AddDefinition[T any](s *Scheduler, def Definition[T]) (*Entry, error) {
	payload, err := json.Marshal(def.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for cron %q: %w", def.Name, err)
	}

	e, err := s.Add(def.Name, def.Schedule, def.Handler, payload)
	if err != nil {
		return nil, err
	}
	if def.Queue != "" {
		if err := s.SetQueue(def.Name, def.Queue); err != nil {
			return nil, err
		}
		e.Queue = def.Queue
	}
	return e, nil
}
