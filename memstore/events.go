package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/stageflow/stageflow/flow"
	"github.com/stageflow/stageflow/persist"
)

// EventStore is an in-memory persist.EventStore. Rows keep arrival order so
// Peek honours the oldest-match contract.
type EventStore struct {
	mu   sync.Mutex
	rows []persist.StoredEvent
}

// NewEventStore creates an empty event store.
func NewEventStore() *EventStore {
	return &EventStore{}
}

// Append stores a pending event row.
func (s *EventStore) Append(_ context.Context, event persist.StoredEvent) error {
	s.mu.Lock()
	s.rows = append(s.rows, event)
	s.mu.Unlock()
	return nil
}

// Peek returns the oldest pending event for the instance whose kind is among
// candidates, or nil when none matches.
func (s *EventStore) Peek(_ context.Context, flowID string, instanceID uuid.UUID, candidates []flow.EventKey) (*persist.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		row := s.rows[i]
		if row.FlowID != flowID || row.InstanceID != instanceID {
			continue
		}
		for _, key := range candidates {
			if row.Key == key {
				found := row
				return &found, nil
			}
		}
	}
	return nil, nil
}

// Delete removes the event row and reports whether it still existed.
func (s *EventStore) Delete(_ context.Context, eventID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID == eventID {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Pending returns copies of all pending rows for the instance, oldest first.
func (s *EventStore) Pending(flowID string, instanceID uuid.UUID) []persist.StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []persist.StoredEvent
	for _, row := range s.rows {
		if row.FlowID == flowID && row.InstanceID == instanceID {
			out = append(out, row)
		}
	}
	return out
}
