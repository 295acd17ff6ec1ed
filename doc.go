// Package convey provides a durable background job queue for Go, built
// around one hard guarantee: a job is claimed by at most one concurrent
// worker, enforced entirely through conditional writes against the
// backing store. Workers may run in separate processes on separate hosts
// with nothing shared but the database.
//
// Convey is a library, not a service. Pick a backend (SQLite, Postgres,
// Redis, MongoDB, or in-memory for tests), register handlers as ordinary
// Go functions, and start a worker pool.
//
// # Quick Start
//
//	backend := memory.New()
//	d, err := convey.New(
//	    convey.WithBackend(backend),
//	    convey.WithConcurrency(8),
//	)
//
// Jobs move through a small state machine: pending → processing →
// completed, failed, or back to pending for a retry. The claim that moves
// a job into processing is a compare-and-swap on its status; a worker
// that loses the race re-selects instead of reporting a false claim.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers — so insertion order is recoverable from the ID alone.
package convey
