package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/stageflow/stageflow/persist"
)

// HistoryStore is an in-memory persist.HistoryStore. Entries are kept in
// append order, which for entries produced by a single engine coincides with
// the (OccurredAt, ID) contract ordering.
type HistoryStore struct {
	mu   sync.Mutex
	rows []persist.HistoryEntry
}

// NewHistoryStore creates an empty history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{}
}

// Append stores an entry.
func (s *HistoryStore) Append(_ context.Context, entry persist.HistoryEntry) error {
	s.mu.Lock()
	s.rows = append(s.rows, entry)
	s.mu.Unlock()
	return nil
}

// ForInstance returns copies of the instance's entries in recording order.
func (s *HistoryStore) ForInstance(flowID string, instanceID uuid.UUID) []persist.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []persist.HistoryEntry
	for _, row := range s.rows {
		if row.FlowID == flowID && row.InstanceID == instanceID {
			out = append(out, row)
		}
	}
	return out
}

// All returns copies of every entry in recording order.
func (s *HistoryStore) All() []persist.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]persist.HistoryEntry, len(s.rows))
	copy(out, s.rows)
	return out
}
