package engine

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/stageflow/stageflow/flow"
	"github.com/stageflow/stageflow/persist"
)

// registration pairs one flow with its matching state persister and carries
// the dispatcher and execution loop for that flow's instances.
type registration[S any] struct {
	engine    *Engine
	flowID    string
	flow      *flow.Flow[S]
	persister persist.StatePersister[S]
}

var _ execution = (*registration[struct{}])(nil)

// start creates a new instance. See Handle.Start.
func (r *registration[S]) start(ctx context.Context, state S) (uuid.UUID, error) {
	stage := r.flow.ResolveInitial(state)
	data := persist.InstanceData[S]{
		ID:     uuid.New(),
		State:  state,
		Stage:  stage,
		Status: persist.StatusPending,
	}
	saved, err := r.persister.Save(ctx, data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("engine: flow %q: saving new instance: %w", r.flowID, err)
	}
	r.engine.recorder.started(ctx, r.flowID, saved.ID, stage)
	if err := r.engine.ticks.Schedule(ctx, r.flowID, saved.ID); err != nil {
		return uuid.Nil, fmt.Errorf("engine: flow %q: scheduling tick for %s: %w", r.flowID, saved.ID, err)
	}
	r.engine.logDebug("instance started", "flow", r.flowID, "instance", saved.ID, "stage", stage)
	return saved.ID, nil
}

func (r *registration[S]) kick(ctx context.Context, id uuid.UUID) error {
	data, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if data.Status.Final() {
		r.engine.logDebug("kick ignored, instance is final",
			"flow", r.flowID, "instance", id, "status", data.Status)
		return nil
	}
	if err := r.engine.ticks.Schedule(ctx, r.flowID, id); err != nil {
		return fmt.Errorf("engine: flow %q: scheduling tick for %s: %w", r.flowID, id, err)
	}
	return nil
}

func (r *registration[S]) retry(ctx context.Context, id uuid.UUID) error {
	data, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if data.Status != persist.StatusError {
		return fmt.Errorf("engine: flow %q: retry of instance %s in status %q: %w",
			r.flowID, id, data.Status, ErrIllegalStatus)
	}
	data.Status = persist.StatusPending
	if _, err := r.persister.Save(ctx, data); err != nil {
		return fmt.Errorf("engine: flow %q: saving retried instance %s: %w", r.flowID, id, err)
	}
	r.engine.recorder.statusChanged(ctx, r.flowID, id, data.Stage, persist.StatusError, persist.StatusPending)
	if err := r.engine.ticks.Schedule(ctx, r.flowID, id); err != nil {
		return fmt.Errorf("engine: flow %q: scheduling tick for %s: %w", r.flowID, id, err)
	}
	return nil
}

func (r *registration[S]) cancel(ctx context.Context, id uuid.UUID) error {
	data, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if data.Status.Final() {
		return nil
	}
	from := data.Status
	data.Status = persist.StatusCancelled
	if _, err := r.persister.Save(ctx, data); err != nil {
		return fmt.Errorf("engine: flow %q: cancelling instance %s: %w", r.flowID, id, err)
	}
	r.engine.recorder.cancelled(ctx, r.flowID, id, data.Stage, from)
	return nil
}

func (r *registration[S]) changeStage(ctx context.Context, id uuid.UUID, stageName string) error {
	target, ok := r.flow.StageNamed(stageName)
	if !ok {
		return fmt.Errorf("engine: flow %q has no stage named %q", r.flowID, stageName)
	}
	data, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if data.Stage.String() != stageName {
		from := data.Stage
		data.Stage = target
		if data, err = r.persister.Save(ctx, data); err != nil {
			return fmt.Errorf("engine: flow %q: moving instance %s to stage %q: %w", r.flowID, id, stageName, err)
		}
		r.engine.recorder.stageChanged(ctx, r.flowID, id, from, target, nil)
	}
	if data.Status != persist.StatusPending {
		from := data.Status
		data.Status = persist.StatusPending
		if data, err = r.persister.Save(ctx, data); err != nil {
			return fmt.Errorf("engine: flow %q: resetting instance %s to pending: %w", r.flowID, id, err)
		}
		r.engine.recorder.statusChanged(ctx, r.flowID, id, data.Stage, from, persist.StatusPending)
	}
	if err := r.engine.ticks.Schedule(ctx, r.flowID, id); err != nil {
		return fmt.Errorf("engine: flow %q: scheduling tick for %s: %w", r.flowID, id, err)
	}
	return nil
}

func (r *registration[S]) status(ctx context.Context, id uuid.UUID) (flow.Stage, persist.Status, error) {
	data, err := r.load(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return data.Stage, data.Status, nil
}

func (r *registration[S]) load(ctx context.Context, id uuid.UUID) (persist.InstanceData[S], error) {
	data, err := r.persister.Load(ctx, id)
	if err != nil {
		return data, fmt.Errorf("engine: flow %q: loading instance %s: %w", r.flowID, id, err)
	}
	return data, nil
}

// dispatch is the tick entry point. It loads the instance, claims it via the
// compare-and-set status transition, and runs the execution loop. Everything
// except a successful claim is a quiet return: duplicate ticks, lost claim
// races, and instances that are final or awaiting retry are all expected.
func (r *registration[S]) dispatch(ctx context.Context, id uuid.UUID) error {
	data, err := r.load(ctx, id)
	if err != nil {
		return err
	}

	switch data.Status {
	case persist.StatusError:
		r.engine.logDebug("tick ignored, instance awaits retry", "flow", r.flowID, "instance", id)
		return nil
	case persist.StatusCompleted, persist.StatusCancelled:
		r.engine.logDebug("tick ignored, instance is final",
			"flow", r.flowID, "instance", id, "status", data.Status)
		return nil
	case persist.StatusRunning:
		// Another worker owns the claim, or a tick was enqueued while we
		// were running. Either way the owner will drive the instance.
		r.engine.logDebug("tick ignored, claim held elsewhere", "flow", r.flowID, "instance", id)
		return nil
	case persist.StatusPending:
		// Fall through to the claim attempt.
	default:
		return fmt.Errorf("engine: flow %q: instance %s has unknown status %q", r.flowID, id, data.Status)
	}

	claimed, err := r.persister.TransitionStatus(ctx, id, data.Stage, persist.StatusPending, persist.StatusRunning)
	if err != nil {
		return fmt.Errorf("engine: flow %q: claiming instance %s: %w", r.flowID, id, err)
	}
	if !claimed {
		r.engine.logDebug("lost claim race", "flow", r.flowID, "instance", id)
		return nil
	}
	r.engine.recorder.statusChanged(ctx, r.flowID, id, data.Stage, persist.StatusPending, persist.StatusRunning)

	// Reload to pick up the running write before entering the loop. The
	// claim is already ours, so a failure here must park the instance in the
	// error status like any in-loop failure; returning the bare error would
	// leave the row running with no owner, unreachable by Retry.
	data, err = r.load(ctx, id)
	if err != nil {
		return r.fail(ctx, data, err)
	}
	return r.run(ctx, data)
}

// run is the execution loop. Invariant on entry: data.Status == running. It
// advances the instance through as many stages as it can without external
// input, persisting each transition, and returns when the instance
// completes, releases its claim to wait for an event, or fails.
func (r *registration[S]) run(ctx context.Context, data persist.InstanceData[S]) error {
	for {
		def, ok := r.flow.Definition(data.Stage)
		if !ok {
			return r.fail(ctx, data, fmt.Errorf("engine: flow %q: instance %s rests in unknown stage %q",
				r.flowID, data.ID, data.Stage))
		}

		switch {
		case len(def.Handlers()) > 0:
			released, err := r.consumeEvent(ctx, &data, def)
			if err != nil {
				return r.fail(ctx, data, err)
			}
			if released {
				return nil
			}

		case def.Action() != nil:
			newState, err := r.runAction(ctx, def.Action(), data.State, data.Stage)
			if err != nil {
				return r.fail(ctx, data, err)
			}
			if newState != nil {
				data.State = *newState
			}
			if def.Terminal() {
				return r.complete(ctx, data)
			}
			next := def.Next()
			if def.Condition() != nil {
				next = def.Condition().Resolve(data.State)
			}
			if next == nil {
				return r.fail(ctx, data, fmt.Errorf("engine: flow %q: stage %q has no successor",
					r.flowID, data.Stage))
			}
			if err := r.advance(ctx, &data, next, nil); err != nil {
				return r.fail(ctx, data, err)
			}

		case def.Condition() != nil:
			if err := r.advance(ctx, &data, def.Condition().Resolve(data.State), nil); err != nil {
				return r.fail(ctx, data, err)
			}

		case def.Next() != nil:
			if err := r.advance(ctx, &data, def.Next(), nil); err != nil {
				return r.fail(ctx, data, err)
			}

		default:
			// Terminal stage without an action.
			return r.complete(ctx, data)
		}
	}
}

// consumeEvent handles a waiting stage. It consumes the oldest matching
// pending event and advances, or releases the claim back to pending when no
// event is available. The returned bool reports whether the claim was
// released (the loop must return).
func (r *registration[S]) consumeEvent(ctx context.Context, data *persist.InstanceData[S], def *flow.StageDefinition[S]) (bool, error) {
	keys := def.WaitKeys()
	pending, err := r.engine.events.Peek(ctx, r.flowID, data.ID, keys)
	if err != nil {
		return false, fmt.Errorf("engine: flow %q: peeking events for %s: %w", r.flowID, data.ID, err)
	}

	if pending != nil {
		handler, ok := def.HandlerFor(pending.Key)
		if !ok {
			return false, fmt.Errorf("engine: flow %q: stage %q has no handler for peeked event %q",
				r.flowID, data.Stage, pending.Key)
		}
		target := handler.ResolveTarget(data.State)
		key := pending.Key
		if err := r.advance(ctx, data, target, &key); err != nil {
			return false, err
		}
		// Deleted only after the target-stage save: a crash in between
		// leaves a duplicate event, which the one-kind-per-flow build rule
		// makes harmless on redelivery.
		if _, err := r.engine.events.Delete(ctx, pending.ID); err != nil {
			return false, fmt.Errorf("engine: flow %q: deleting consumed event %s: %w", r.flowID, pending.ID, err)
		}
		return false, nil
	}

	// No matching event: release the claim.
	data.Status = persist.StatusPending
	saved, err := r.persister.Save(ctx, *data)
	if err != nil {
		return false, fmt.Errorf("engine: flow %q: releasing claim on %s: %w", r.flowID, data.ID, err)
	}
	*data = saved
	r.engine.recorder.statusChanged(ctx, r.flowID, data.ID, data.Stage, persist.StatusRunning, persist.StatusPending)

	// An event may have arrived between the peek above and the release
	// write; its tick would have been delivered and ignored while we held
	// the claim. Re-peek and schedule a compensating tick so another worker
	// picks it up. One redundant tick is cheaper than a lost one.
	arrived, err := r.engine.events.Peek(ctx, r.flowID, data.ID, keys)
	if err != nil {
		return false, fmt.Errorf("engine: flow %q: re-peeking events for %s: %w", r.flowID, data.ID, err)
	}
	if arrived != nil {
		if err := r.engine.ticks.Schedule(ctx, r.flowID, data.ID); err != nil {
			return false, fmt.Errorf("engine: flow %q: scheduling compensating tick for %s: %w", r.flowID, data.ID, err)
		}
	}
	r.engine.logDebug("claim released, waiting for event",
		"flow", r.flowID, "instance", data.ID, "stage", data.Stage)
	return true, nil
}

// advance persists a stage transition while the claim is held and records
// it. event is non-nil when the transition consumed an event.
func (r *registration[S]) advance(ctx context.Context, data *persist.InstanceData[S], next flow.Stage, event *flow.EventKey) error {
	from := data.Stage
	data.Stage = next
	saved, err := r.persister.Save(ctx, *data)
	if err != nil {
		data.Stage = from
		return fmt.Errorf("engine: flow %q: saving transition %q -> %q for %s: %w",
			r.flowID, from, next, data.ID, err)
	}
	*data = saved
	r.engine.recorder.stageChanged(ctx, r.flowID, data.ID, from, next, event)
	r.engine.logDebug("stage advanced", "flow", r.flowID, "instance", data.ID, "from", from, "to", next)
	return nil
}

// complete marks the instance completed and records the final status change.
func (r *registration[S]) complete(ctx context.Context, data persist.InstanceData[S]) error {
	data.Status = persist.StatusCompleted
	if _, err := r.persister.Save(ctx, data); err != nil {
		return r.fail(ctx, data, fmt.Errorf("engine: flow %q: completing instance %s: %w", r.flowID, data.ID, err))
	}
	r.engine.recorder.statusChanged(ctx, r.flowID, data.ID, data.Stage, persist.StatusRunning, persist.StatusCompleted)
	r.engine.logDebug("instance completed", "flow", r.flowID, "instance", data.ID, "stage", data.Stage)
	return nil
}

// runAction invokes a stage action, converting panics into errors so a
// misbehaving action cannot take down the worker.
func (r *registration[S]) runAction(ctx context.Context, action flow.Action[S], state S, stage flow.Stage) (out *S, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("engine: flow %q: action for stage %q panicked: %v", r.flowID, stage, rec)
		}
	}()
	return action(ctx, state)
}

// fail moves the instance to the error status, preserving its stage, records
// the failure with the captured stack, and returns cause so the worker's
// top-level handler can log it. When the failure struck after an action ran
// but before its transition was saved, the action-mutated state is persisted
// under the old stage, so a Retry re-runs the action on that state: actions
// get at-least-once semantics on this path.
func (r *registration[S]) fail(ctx context.Context, data persist.InstanceData[S], cause error) error {
	stack := debug.Stack()
	data.Status = persist.StatusError
	if _, err := r.persister.Save(ctx, data); err != nil {
		r.engine.logError("saving error status failed",
			"flow", r.flowID, "instance", data.ID, "cause", cause, "error", err)
	}
	r.engine.recorder.failure(ctx, r.flowID, data.ID, data.Stage, cause, stack)
	return cause
}
