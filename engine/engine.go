// Package engine executes flow instances: it owns the facade operations
// (start, event, retry, cancel, change stage, status), the tick dispatcher
// with its compare-and-set claim, and the per-stage execution loop.
//
// An Engine coordinates three pluggable collaborators from the persist
// package: an event store, a tick scheduler, and an optional history store.
// Each registered flow additionally brings its own typed state persister.
// Workers in separate processes sharing the same persistence layer
// coordinate purely through the claim CAS, so at most one worker anywhere
// runs a given instance's loop at a time.
//
// Typical wiring:
//
//	queue := memstore.NewTickQueue()
//	sched := scheduler.New(queue, scheduler.WithWorkers(4))
//	eng, _ := engine.New(engine.Config{
//		Events: memstore.NewEventStore(),
//		Ticks:  sched,
//	})
//	handle, _ := engine.Register(eng, "orders", orderFlow, memstore.NewStateStore[Order]())
//	_ = sched.Start()
//	id, _ := handle.Start(ctx, Order{Total: 42})
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/stageflow/stageflow/flow"
	"github.com/stageflow/stageflow/persist"
)

// Config carries the engine's collaborators. Events and Ticks are required;
// History is optional (nil disables history recording).
type Config struct {
	Events  persist.EventStore
	Ticks   persist.TickScheduler
	History persist.HistoryStore
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger attaches a charmbracelet/log Logger. When nil the engine
// operates silently.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Engine is the workflow engine facade. Register flows with Register, then
// drive instances through the Handle or the id-keyed operations below.
type Engine struct {
	events   persist.EventStore
	ticks    persist.TickScheduler
	recorder *recorder
	logger   *log.Logger

	// regs is written by Register (expected during startup) and read by the
	// hot path; the mutex makes concurrent registration safe as well.
	mu   sync.RWMutex
	regs map[string]execution
}

// execution is the type-erased view of a registered flow. Each registration
// pairs a flow with its matching persister, so the erased operations can
// never mis-pair the two.
type execution interface {
	dispatch(ctx context.Context, id uuid.UUID) error
	kick(ctx context.Context, id uuid.UUID) error
	retry(ctx context.Context, id uuid.UUID) error
	cancel(ctx context.Context, id uuid.UUID) error
	changeStage(ctx context.Context, id uuid.UUID, stageName string) error
	status(ctx context.Context, id uuid.UUID) (flow.Stage, persist.Status, error)
}

// New creates an Engine and installs its dispatcher as the scheduler's tick
// handler.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Events == nil {
		return nil, fmt.Errorf("engine: config requires an event store")
	}
	if cfg.Ticks == nil {
		return nil, fmt.Errorf("engine: config requires a tick scheduler")
	}
	e := &Engine{
		events: cfg.Events,
		ticks:  cfg.Ticks,
		regs:   make(map[string]execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.recorder = newRecorder(cfg.History, e.logger)
	cfg.Ticks.SetHandler(e.handleTick)
	return e, nil
}

// Register binds a flow id to a flow and its state persister and returns a
// typed handle. One flow per id; registering the same id twice is an error.
//
// Register is a free function rather than a method because Go methods cannot
// introduce type parameters.
func Register[S any](e *Engine, flowID string, f *flow.Flow[S], p persist.StatePersister[S]) (*Handle[S], error) {
	if flowID == "" {
		return nil, fmt.Errorf("engine: flow id must not be empty")
	}
	if f == nil {
		return nil, fmt.Errorf("engine: flow %q: flow must not be nil", flowID)
	}
	if p == nil {
		return nil, fmt.Errorf("engine: flow %q: persister must not be nil", flowID)
	}
	reg := &registration[S]{engine: e, flowID: flowID, flow: f, persister: p}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.regs[flowID]; exists {
		return nil, fmt.Errorf("engine: flow %q is already registered", flowID)
	}
	e.regs[flowID] = reg
	return &Handle[S]{engine: e, reg: reg}, nil
}

// registration looks up the erased registration for flowID.
func (e *Engine) registration(flowID string) (execution, error) {
	e.mu.RLock()
	reg, ok := e.regs[flowID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: flow %q: %w", flowID, ErrNotRegistered)
	}
	return reg, nil
}

// handleTick is the scheduler-facing dispatch entry point.
func (e *Engine) handleTick(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	reg, err := e.registration(flowID)
	if err != nil {
		return err
	}
	return reg.dispatch(ctx, instanceID)
}

// Kick re-kicks an existing instance: a no-op when the instance already
// reached a final status, otherwise it enqueues a tick.
func (e *Engine) Kick(ctx context.Context, flowID string, id uuid.UUID) error {
	reg, err := e.registration(flowID)
	if err != nil {
		return err
	}
	return reg.kick(ctx, id)
}

// SendEvent appends an event for the instance and enqueues a tick. The
// engine does not check whether the current stage waits for this event: late
// or unrelated events stay in the store until a matching waiting stage is
// reached, or forever.
func (e *Engine) SendEvent(ctx context.Context, flowID string, id uuid.UUID, event flow.Event) error {
	if _, err := e.registration(flowID); err != nil {
		return err
	}
	key := flow.KeyOf(event)
	stored := persist.StoredEvent{ID: uuid.New(), FlowID: flowID, InstanceID: id, Key: key}
	if err := e.events.Append(ctx, stored); err != nil {
		return fmt.Errorf("engine: flow %q: appending event %q: %w", flowID, key, err)
	}
	e.recorder.eventAppended(ctx, flowID, id, key)
	if err := e.ticks.Schedule(ctx, flowID, id); err != nil {
		return fmt.Errorf("engine: flow %q: scheduling tick: %w", flowID, err)
	}
	return nil
}

// Retry moves an instance from the error status back to pending and enqueues
// a tick. Any other current status returns ErrIllegalStatus.
func (e *Engine) Retry(ctx context.Context, flowID string, id uuid.UUID) error {
	reg, err := e.registration(flowID)
	if err != nil {
		return err
	}
	return reg.retry(ctx, id)
}

// Cancel marks the instance cancelled. It is a no-op when the instance is
// already completed or cancelled. No tick is enqueued, and a currently
// running loop is not interrupted: cancellation takes effect at the next
// dispatch, which observes the cancelled status and returns.
func (e *Engine) Cancel(ctx context.Context, flowID string, id uuid.UUID) error {
	reg, err := e.registration(flowID)
	if err != nil {
		return err
	}
	return reg.cancel(ctx, id)
}

// ChangeStage is the operator escape hatch: it forces the instance to the
// stage whose string rendering equals stageName, resets the status to
// pending, and enqueues a tick.
func (e *Engine) ChangeStage(ctx context.Context, flowID string, id uuid.UUID, stageName string) error {
	reg, err := e.registration(flowID)
	if err != nil {
		return err
	}
	return reg.changeStage(ctx, id, stageName)
}

// Status returns the instance's current stage and status.
func (e *Engine) Status(ctx context.Context, flowID string, id uuid.UUID) (flow.Stage, persist.Status, error) {
	reg, err := e.registration(flowID)
	if err != nil {
		return nil, "", err
	}
	return reg.status(ctx, id)
}

func (e *Engine) logDebug(msg string, kvs ...any) {
	if e.logger != nil {
		e.logger.Debug(msg, kvs...)
	}
}

func (e *Engine) logError(msg string, kvs ...any) {
	if e.logger != nil {
		e.logger.Error(msg, kvs...)
	}
}
