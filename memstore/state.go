// Package memstore provides in-memory implementations of the persist
// contracts: state rows with the compare-and-set claim, a pending-event
// store with arrival-ordered peek, a FIFO tick queue with optimistic
// delete, and an append-only history log.
//
// Everything is mutex-guarded and safe for concurrent use. Nothing is
// durable: memstore exists for tests, demos, and embedding the engine
// without external infrastructure.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stageflow/stageflow/flow"
	"github.com/stageflow/stageflow/persist"
)

// StateStore is an in-memory persist.StatePersister. Domain states are
// stored by value; pointer-typed states therefore share their referents with
// the caller.
type StateStore[S any] struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]persist.InstanceData[S]
}

// NewStateStore creates an empty state store for domain state type S.
func NewStateStore[S any]() *StateStore[S] {
	return &StateStore[S]{rows: make(map[uuid.UUID]persist.InstanceData[S])}
}

// Save creates or replaces the row for data.ID and returns the stored copy.
func (s *StateStore[S]) Save(_ context.Context, data persist.InstanceData[S]) (persist.InstanceData[S], error) {
	if data.ID == uuid.Nil {
		return data, fmt.Errorf("memstore: save with nil instance id")
	}
	s.mu.Lock()
	s.rows[data.ID] = data
	s.mu.Unlock()
	return data, nil
}

// Load returns the row for id, or an error wrapping
// persist.ErrInstanceNotFound.
func (s *StateStore[S]) Load(_ context.Context, id uuid.UUID) (persist.InstanceData[S], error) {
	s.mu.RLock()
	row, ok := s.rows[id]
	s.mu.RUnlock()
	if !ok {
		return row, fmt.Errorf("memstore: instance %s: %w", id, persist.ErrInstanceNotFound)
	}
	return row, nil
}

// TransitionStatus atomically applies the status update when the row still
// carries (expectedStage, expected). It reports whether the update applied.
func (s *StateStore[S]) TransitionStatus(_ context.Context, id uuid.UUID, expectedStage flow.Stage, expected, next persist.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return false, fmt.Errorf("memstore: instance %s: %w", id, persist.ErrInstanceNotFound)
	}
	if row.Stage != expectedStage || row.Status != expected {
		return false, nil
	}
	row.Status = next
	s.rows[id] = row
	return true, nil
}

// Len returns the number of stored rows.
func (s *StateStore[S]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
