// Package job defines the job entity, its status state machine, the
// opaque payload codec, and the handler registry.
//
// # Job Entity
//
// A [Job] represents a unit of work. It embeds [convey.Entity] for
// timestamps, carries an opaque payload (JSON-compatible bytes), and
// progresses through a small state machine:
//
//	pending → processing → completed
//	pending → processing → pending (retry or release) → processing → ...
//	pending → processing → failed
//
// Completed and failed are terminal; no further transition is valid.
//
// Fields of note:
//   - Queue: the logical lane claims are scoped to (default: "default")
//   - Handler: name of the registered handler that executes the payload
//   - Priority: higher values are claimed first
//   - AvailableAt: earliest time the job may be claimed (delay / backoff)
//   - Attempts / MaxAttempts: the bounded-retry budget
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at enqueue time and deserialized before the handler runs:
//
//	var SendEmail = job.NewDefinition("send_email",
//	    func(ctx context.Context, input EmailInput) error {
//	        return mailer.Send(input.To, input.Subject, input.Body)
//	    },
//	)
//
// # Registry
//
// [Registry] maps handler names to type-erased [HandlerFunc] values.
// Register definitions at startup via [RegisterDefinition]. The engine
// package provides higher-level engine.Register and engine.Enqueue
// wrappers.
package job
