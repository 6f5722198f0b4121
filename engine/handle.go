package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/stageflow/stageflow/flow"
	"github.com/stageflow/stageflow/persist"
)

// Handle is the typed surface for one registered flow. It is returned by
// Register so callers cannot pair a flow id with the wrong state type, and
// it is the only way to start instances with an initial domain state.
type Handle[S any] struct {
	engine *Engine
	reg    *registration[S]
}

// FlowID returns the id this handle was registered under.
func (h *Handle[S]) FlowID() string { return h.reg.flowID }

// Start creates a new instance with the given initial domain state, persists
// it pending in its resolved initial stage, records the start, and enqueues
// the first tick. It returns the new instance id.
func (h *Handle[S]) Start(ctx context.Context, state S) (uuid.UUID, error) {
	return h.reg.start(ctx, state)
}

// Load returns the persisted instance row.
func (h *Handle[S]) Load(ctx context.Context, id uuid.UUID) (persist.InstanceData[S], error) {
	return h.reg.persister.Load(ctx, id)
}

// Kick re-kicks an existing instance. See Engine.Kick.
func (h *Handle[S]) Kick(ctx context.Context, id uuid.UUID) error {
	return h.reg.kick(ctx, id)
}

// SendEvent appends an event and enqueues a tick. See Engine.SendEvent.
func (h *Handle[S]) SendEvent(ctx context.Context, id uuid.UUID, event flow.Event) error {
	return h.engine.SendEvent(ctx, h.reg.flowID, id, event)
}

// Retry moves an errored instance back to pending. See Engine.Retry.
func (h *Handle[S]) Retry(ctx context.Context, id uuid.UUID) error {
	return h.reg.retry(ctx, id)
}

// Cancel marks the instance cancelled. See Engine.Cancel.
func (h *Handle[S]) Cancel(ctx context.Context, id uuid.UUID) error {
	return h.reg.cancel(ctx, id)
}

// ChangeStage forces the instance to the named stage. See Engine.ChangeStage.
func (h *Handle[S]) ChangeStage(ctx context.Context, id uuid.UUID, stageName string) error {
	return h.reg.changeStage(ctx, id, stageName)
}

// Status returns the instance's current stage and status.
func (h *Handle[S]) Status(ctx context.Context, id uuid.UUID) (flow.Stage, persist.Status, error) {
	return h.reg.status(ctx, id)
}
