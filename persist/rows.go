package persist

import (
	"time"

	"github.com/google/uuid"

	"github.com/stageflow/stageflow/flow"
)

// InstanceData is the persisted state row of one live flow instance. State
// is the application-defined domain object; the engine treats it as opaque.
type InstanceData[S any] struct {
	ID     uuid.UUID
	State  S
	Stage  flow.Stage
	Status Status
}

// StoredEvent is a pending event row. It is appended when a caller sends an
// event and deleted when the execution loop consumes it.
type StoredEvent struct {
	ID         uuid.UUID
	FlowID     string
	InstanceID uuid.UUID
	Key        flow.EventKey
}

// Tick is a pending work item signalling that an instance may be able to
// advance. Ticks are appended on any stimulus and deleted when a worker
// claims them.
type Tick struct {
	ID         uuid.UUID
	FlowID     string
	InstanceID uuid.UUID
}

// HistoryKind classifies a history entry.
type HistoryKind string

const (
	// HistoryStarted records instance creation.
	HistoryStarted HistoryKind = "started"

	// HistoryEventAppended records an event being stored for the instance.
	HistoryEventAppended HistoryKind = "event_appended"

	// HistoryStatusChanged records a status transition.
	HistoryStatusChanged HistoryKind = "status_changed"

	// HistoryStageChanged records a stage transition.
	HistoryStageChanged HistoryKind = "stage_changed"

	// HistoryCancelled records an operator cancellation.
	HistoryCancelled HistoryKind = "cancelled"

	// HistoryError records a failure inside the execution loop.
	HistoryError HistoryKind = "error"
)

// HistoryEntry is one append-only observability row. Stage identities and
// events are stored in their stable string rendering. Only the fields
// relevant to Kind are populated. Ordering within one instance is
// (OccurredAt asc, ID asc).
type HistoryEntry struct {
	ID         uuid.UUID
	OccurredAt time.Time
	FlowID     string
	InstanceID uuid.UUID
	Kind       HistoryKind

	Stage      string
	FromStage  string
	ToStage    string
	FromStatus Status
	ToStatus   Status
	Event      string

	ErrorType    string
	ErrorMessage string
	ErrorStack   string
}
