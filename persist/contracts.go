package persist

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/stageflow/stageflow/flow"
)

// ErrInstanceNotFound is returned by StatePersister.Load when no row exists
// for the requested instance id.
var ErrInstanceNotFound = errors.New("flow instance not found")

// StatePersister stores the state rows of one flow type. Implementations
// must make Save atomic (create-or-update) and must preserve
// application-owned columns of the domain state when concurrent external
// writers may touch them.
type StatePersister[S any] interface {
	// Save creates or updates the row and returns the refreshed data.
	Save(ctx context.Context, data InstanceData[S]) (InstanceData[S], error)

	// Load returns the row for id, or an error wrapping ErrInstanceNotFound
	// when absent.
	Load(ctx context.Context, id uuid.UUID) (InstanceData[S], error)

	// TransitionStatus compare-and-sets the status of id: the update applies
	// only when the persisted row still carries (expectedStage, expected).
	// It reports whether the update was applied. This is the sole primitive
	// the runtime uses to claim single-flight execution, so implementations
	// must make it atomic with respect to concurrent callers.
	TransitionStatus(ctx context.Context, id uuid.UUID, expectedStage flow.Stage, expected, next Status) (bool, error)
}

// EventStore holds pending events until a waiting stage consumes them.
type EventStore interface {
	// Append stores a pending event row.
	Append(ctx context.Context, event StoredEvent) error

	// Peek returns the oldest pending event for the instance whose kind is
	// among candidates, or nil when none matches. Arrival order must be
	// honoured within the candidate set.
	Peek(ctx context.Context, flowID string, instanceID uuid.UUID, candidates []flow.EventKey) (*StoredEvent, error)

	// Delete removes the event row and reports whether it still existed.
	Delete(ctx context.Context, eventID uuid.UUID) (bool, error)
}

// TickQueue is the durable FIFO queue behind a polling tick scheduler.
type TickQueue interface {
	// Enqueue appends a tick. Duplicates for the same instance are allowed;
	// the runtime tolerates duplicate delivery.
	Enqueue(ctx context.Context, tick Tick) error

	// Next returns up to limit ticks in insertion order without removing
	// them.
	Next(ctx context.Context, limit int) ([]Tick, error)

	// Delete removes a tick and reports whether this caller won the removal.
	// Losing the race means another poller claimed the tick.
	Delete(ctx context.Context, tickID uuid.UUID) (bool, error)
}

// TickHandler processes one delivered tick.
type TickHandler func(ctx context.Context, flowID string, instanceID uuid.UUID) error

// TickScheduler delivers enqueued ticks to the handler at least once;
// duplicates are permitted. The engine registers its dispatcher via
// SetHandler during construction.
type TickScheduler interface {
	// SetHandler installs the tick handler. Must be called before any tick
	// is delivered.
	SetHandler(h TickHandler)

	// Schedule enqueues a tick for the instance.
	Schedule(ctx context.Context, flowID string, instanceID uuid.UUID) error
}

// HistoryStore records append-only observability entries. The runtime calls
// it only through a best-effort wrapper; failures never block progress.
type HistoryStore interface {
	Append(ctx context.Context, entry HistoryEntry) error
}
