package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/stageflow/stageflow/persist"
)

// TickQueue is an in-memory persist.TickQueue: a FIFO slice with optimistic
// delete-to-claim semantics.
type TickQueue struct {
	mu   sync.Mutex
	rows []persist.Tick
}

// NewTickQueue creates an empty tick queue.
func NewTickQueue() *TickQueue {
	return &TickQueue{}
}

// Enqueue appends a tick.
func (q *TickQueue) Enqueue(_ context.Context, tick persist.Tick) error {
	q.mu.Lock()
	q.rows = append(q.rows, tick)
	q.mu.Unlock()
	return nil
}

// Next returns up to limit ticks in insertion order without removing them.
func (q *TickQueue) Next(_ context.Context, limit int) ([]persist.Tick, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > len(q.rows) {
		limit = len(q.rows)
	}
	if limit <= 0 {
		return nil, nil
	}
	out := make([]persist.Tick, limit)
	copy(out, q.rows[:limit])
	return out, nil
}

// Delete removes the tick and reports whether this caller won the removal.
func (q *TickQueue) Delete(_ context.Context, tickID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.rows {
		if q.rows[i].ID == tickID {
			q.rows = append(q.rows[:i], q.rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of pending ticks.
func (q *TickQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rows)
}
