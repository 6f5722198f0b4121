// Package persist defines the durable rows the runtime reads and writes and
// the contracts a persistence layer must satisfy: state rows with a
// compare-and-set claim primitive, a pending-event store, a durable FIFO
// tick queue, and an append-only history store.
//
// The engine is agnostic to how the contracts are implemented; the memstore
// package provides in-memory implementations for tests and for embedding
// without external infrastructure.
package persist

// Status is the lifecycle state of a flow instance. String values are used
// (not iota) so they round-trip cleanly through persisted rows.
type Status string

const (
	// StatusPending means the instance is at rest, waiting for a worker to
	// claim it.
	StatusPending Status = "pending"

	// StatusRunning means a worker holds the single-flight claim and is
	// advancing the instance.
	StatusRunning Status = "running"

	// StatusCompleted means the instance reached a terminal stage. Final.
	StatusCompleted Status = "completed"

	// StatusCancelled means an operator cancelled the instance. Final.
	StatusCancelled Status = "cancelled"

	// StatusError means the instance failed and awaits an explicit retry.
	StatusError Status = "error"
)

// Final reports whether the status is a terminal resting point the engine
// never transitions away from.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}
