package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stageflow/stageflow/engine"
	"github.com/stageflow/stageflow/flow"
	"github.com/stageflow/stageflow/memstore"
	"github.com/stageflow/stageflow/persist"
	"github.com/stageflow/stageflow/scheduler"
)

type wfStage string

func (s wfStage) String() string { return string(s) }

type wfEvent string

func (e wfEvent) String() string { return string(e) }

const (
	stageA    wfStage = "a"
	stageB    wfStage = "b"
	stageC    wfStage = "c"
	stageD    wfStage = "d"
	stageWait wfStage = "wait"
)

const (
	eventGo  wfEvent = "go"
	eventAlt wfEvent = "alt"
)

type tally struct {
	N int
}

// syncScheduler delivers ticks inline on the calling goroutine, so tests run
// deterministically without a worker pool. With hold set, ticks pile up until
// Drain, which lets tests inject duplicates before anything runs. Handler
// errors are collected, mirroring how the real scheduler absorbs them.
type syncScheduler struct {
	mu       sync.Mutex
	handler  persist.TickHandler
	queue    []persist.Tick
	hold     bool
	draining bool
	errs     []error
}

var _ persist.TickScheduler = (*syncScheduler)(nil)

func (s *syncScheduler) SetHandler(h persist.TickHandler) { s.handler = h }

func (s *syncScheduler) Schedule(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	s.mu.Lock()
	s.queue = append(s.queue, persist.Tick{ID: uuid.New(), FlowID: flowID, InstanceID: instanceID})
	deferred := s.hold || s.draining
	if !deferred {
		s.draining = true
	}
	s.mu.Unlock()
	if deferred {
		return nil
	}
	s.drain(ctx)
	return nil
}

// Drain delivers every queued tick, including ticks enqueued while draining.
func (s *syncScheduler) Drain(ctx context.Context) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()
	s.drain(ctx)
}

func (s *syncScheduler) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		tick := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		if err := s.handler(ctx, tick.FlowID, tick.InstanceID); err != nil {
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		}
	}
}

func (s *syncScheduler) handlerErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.errs))
	copy(out, s.errs)
	return out
}

// flakyStateStore fails the n-th Load call and otherwise delegates, standing
// in for a persister with a transient read fault.
type flakyStateStore struct {
	*memstore.StateStore[tally]
	mu     sync.Mutex
	failOn int
	calls  int
}

var _ persist.StatePersister[tally] = (*flakyStateStore)(nil)

func (s *flakyStateStore) Load(ctx context.Context, id uuid.UUID) (persist.InstanceData[tally], error) {
	s.mu.Lock()
	s.calls++
	failing := s.calls == s.failOn
	s.mu.Unlock()
	if failing {
		return persist.InstanceData[tally]{}, errors.New("connection reset")
	}
	return s.StateStore.Load(ctx, id)
}

// racingEventStore hides stored events from the first misses Peek calls,
// simulating an event that arrives between a worker's peek and its claim
// release.
type racingEventStore struct {
	*memstore.EventStore
	mu     sync.Mutex
	misses int
}

var _ persist.EventStore = (*racingEventStore)(nil)

func (s *racingEventStore) Peek(ctx context.Context, flowID string, instanceID uuid.UUID, candidates []flow.EventKey) (*persist.StoredEvent, error) {
	s.mu.Lock()
	missed := s.misses > 0
	if missed {
		s.misses--
	}
	s.mu.Unlock()
	if missed {
		return nil, nil
	}
	return s.EventStore.Peek(ctx, flowID, instanceID, candidates)
}

type fixture struct {
	sched   *syncScheduler
	events  *memstore.EventStore
	history *memstore.HistoryStore
	states  *memstore.StateStore[tally]
	handle  *engine.Handle[tally]
	engine  *engine.Engine
}

func newFixture(t *testing.T, f *flow.Flow[tally], hold bool) *fixture {
	t.Helper()
	fx := &fixture{
		sched:   &syncScheduler{hold: hold},
		events:  memstore.NewEventStore(),
		history: memstore.NewHistoryStore(),
		states:  memstore.NewStateStore[tally](),
	}
	eng, err := engine.New(engine.Config{
		Events:  fx.events,
		Ticks:   fx.sched,
		History: fx.history,
	})
	require.NoError(t, err)
	fx.engine = eng
	fx.handle, err = engine.Register(eng, "orders", f, fx.states)
	require.NoError(t, err)
	return fx
}

func (fx *fixture) kinds(id uuid.UUID) []persist.HistoryKind {
	entries := fx.history.ForInstance("orders", id)
	kinds := make([]persist.HistoryKind, len(entries))
	for i, entry := range entries {
		kinds[i] = entry.Kind
	}
	return kinds
}

func addTen(_ context.Context, s tally) (*tally, error) {
	s.N += 10
	return &s, nil
}

func linearFlow(t *testing.T) *flow.Flow[tally] {
	t.Helper()
	b := flow.NewBuilder[tally]()
	b.Initial(stageA)
	b.Stage(stageA).Action(addTen).Next(stageB)
	b.Stage(stageB).Next(stageC)
	b.Stage(stageC)
	f, err := b.Build()
	require.NoError(t, err)
	return f
}

func waitingFlow(t *testing.T) *flow.Flow[tally] {
	t.Helper()
	b := flow.NewBuilder[tally]()
	b.Initial(stageA)
	b.Stage(stageA).Next(stageWait)
	b.Stage(stageWait).
		On(eventGo, stageC).
		On(eventAlt, stageD)
	b.Stage(stageC)
	b.Stage(stageD)
	f, err := b.Build()
	require.NoError(t, err)
	return f
}

func TestLinearFlowRunsToCompletion(t *testing.T) {
	fx := newFixture(t, linearFlow(t), false)
	ctx := context.Background()

	id, err := fx.handle.Start(ctx, tally{N: 1})
	require.NoError(t, err)

	data, err := fx.handle.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageC, data.Stage)
	assert.Equal(t, persist.StatusCompleted, data.Status)
	assert.Equal(t, 11, data.State.N)
	assert.Empty(t, fx.sched.handlerErrors())

	assert.Equal(t, []persist.HistoryKind{
		persist.HistoryStarted,
		persist.HistoryStatusChanged, // pending -> running
		persist.HistoryStageChanged,  // a -> b
		persist.HistoryStageChanged,  // b -> c
		persist.HistoryStatusChanged, // running -> completed
	}, fx.kinds(id))
}

func TestConditionalInitialStage(t *testing.T) {
	b := flow.NewBuilder[tally]()
	b.InitialCondition(flow.If(func(s tally) bool { return s.N > 10 }, "big tally?",
		flow.To[tally](stageB),
		flow.To[tally](stageA)))
	b.Stage(stageA)
	b.Stage(stageB)
	f, err := b.Build()
	require.NoError(t, err)

	fx := newFixture(t, f, false)
	ctx := context.Background()

	big, err := fx.handle.Start(ctx, tally{N: 20})
	require.NoError(t, err)
	stage, status, err := fx.handle.Status(ctx, big)
	require.NoError(t, err)
	assert.Equal(t, stageB, stage)
	assert.Equal(t, persist.StatusCompleted, status)

	small, err := fx.handle.Start(ctx, tally{N: 1})
	require.NoError(t, err)
	stage, _, err = fx.handle.Status(ctx, small)
	require.NoError(t, err)
	assert.Equal(t, stageA, stage)
}

func TestEventAdvancesWaitingInstance(t *testing.T) {
	fx := newFixture(t, waitingFlow(t), false)
	ctx := context.Background()

	id, err := fx.handle.Start(ctx, tally{})
	require.NoError(t, err)

	// The instance ran to the waiting stage and released its claim.
	stage, status, err := fx.handle.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageWait, stage)
	assert.Equal(t, persist.StatusPending, status)

	require.NoError(t, fx.handle.SendEvent(ctx, id, eventAlt))

	stage, status, err = fx.handle.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageD, stage)
	assert.Equal(t, persist.StatusCompleted, status)

	// The consumed event is gone from the store.
	assert.Empty(t, fx.events.Pending("orders", id))
	assert.Contains(t, fx.kinds(id), persist.HistoryEventAppended)
}

func TestEventSentBeforeWaitingStageIsBuffered(t *testing.T) {
	fx := newFixture(t, waitingFlow(t), true)
	ctx := context.Background()

	id, err := fx.handle.Start(ctx, tally{})
	require.NoError(t, err)
	require.NoError(t, fx.handle.SendEvent(ctx, id, eventGo))

	// Nothing has run yet; the event waits in the store.
	require.Len(t, fx.events.Pending("orders", id), 1)

	fx.sched.Drain(ctx)

	stage, status, err := fx.handle.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageC, stage)
	assert.Equal(t, persist.StatusCompleted, status)
	assert.Empty(t, fx.events.Pending("orders", id))
}

func TestDuplicateTicksAreIdempotent(t *testing.T) {
	var runs int
	b := flow.NewBuilder[tally]()
	b.Initial(stageA)
	b.Stage(stageA).Action(func(_ context.Context, s tally) (*tally, error) {
		runs++
		return &s, nil
	}).Next(stageB)
	b.Stage(stageB)
	f, err := b.Build()
	require.NoError(t, err)

	fx := newFixture(t, f, true)
	ctx := context.Background()

	id, err := fx.handle.Start(ctx, tally{})
	require.NoError(t, err)
	// Pile up duplicate ticks for the same instance before anything runs.
	require.NoError(t, fx.handle.Kick(ctx, id))
	require.NoError(t, fx.handle.Kick(ctx, id))

	fx.sched.Drain(ctx)

	assert.Equal(t, 1, runs)
	assert.Empty(t, fx.sched.handlerErrors())
	stage, status, err := fx.handle.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageB, stage)
	assert.Equal(t, persist.StatusCompleted, status)
}

func TestActionFailureAndRetry(t *testing.T) {
	broken := true
	b := flow.NewBuilder[tally]()
	b.Initial(stageA)
	b.Stage(stageA).Action(func(_ context.Context, s tally) (*tally, error) {
		if broken {
			return nil, errors.New("downstream unavailable")
		}
		s.N++
		return &s, nil
	}).Next(stageB)
	b.Stage(stageB)
	f, err := b.Build()
	require.NoError(t, err)

	fx := newFixture(t, f, false)
	ctx := context.Background()

	id, err := fx.handle.Start(ctx, tally{})
	require.NoError(t, err)

	// The failure parks the instance in the error status, stage preserved.
	stage, status, err := fx.handle.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageA, stage)
	assert.Equal(t, persist.StatusError, status)
	require.Len(t, fx.sched.handlerErrors(), 1)
	assert.Contains(t, fx.sched.handlerErrors()[0].Error(), "downstream unavailable")

	// A tick for an errored instance is ignored, not re-run.
	require.NoError(t, fx.handle.Kick(ctx, id))
	_, status, err = fx.handle.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, persist.StatusError, status)

	entries := fx.history.ForInstance("orders", id)
	last := entries[len(entries)-1]
	assert.Equal(t, persist.HistoryError, last.Kind)
	assert.Equal(t, "downstream unavailable", last.ErrorMessage)
	assert.NotEmpty(t, last.ErrorStack)

	broken = false
	require.NoError(t, fx.handle.Retry(ctx, id))

	data, err := fx.handle.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageB, data.Stage)
	assert.Equal(t, persist.StatusCompleted, data.Status)
	assert.Equal(t, 1, data.State.N)

	// Retry is only legal from the error status.
	err = fx.handle.Retry(ctx, id)
	assert.ErrorIs(t, err, engine.ErrIllegalStatus)
}

func TestActionPanicBecomesError(t *testing.T) {
	b := flow.NewBuilder[tally]()
	b.Initial(stageA)
	b.Stage(stageA).Action(func(context.Context, tally) (*tally, error) {
		panic("nil map write")
	}).Next(stageB)
	b.Stage(stageB)
	f, err := b.Build()
	require.NoError(t, err)

	fx := newFixture(t, f, false)
	id, err := fx.handle.Start(context.Background(), tally{})
	require.NoError(t, err)

	_, status, err := fx.handle.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, persist.StatusError, status)
	require.Len(t, fx.sched.handlerErrors(), 1)
	assert.Contains(t, fx.sched.handlerErrors()[0].Error(), "panicked")
}

func TestCancelWaitingInstanceOrphansEvent(t *testing.T) {
	fx := newFixture(t, waitingFlow(t), false)
	ctx := context.Background()

	id, err := fx.handle.Start(ctx, tally{})
	require.NoError(t, err)
	require.NoError(t, fx.handle.Cancel(ctx, id))

	stage, status, err := fx.handle.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageWait, stage)
	assert.Equal(t, persist.StatusCancelled, status)

	// Events for cancelled instances are still accepted and stored, but the
	// tick they trigger is ignored and the event is never consumed.
	require.NoError(t, fx.handle.SendEvent(ctx, id, eventGo))
	_, status, err = fx.handle.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, persist.StatusCancelled, status)
	assert.Len(t, fx.events.Pending("orders", id), 1)

	// Cancelling twice and kicking a final instance are both no-ops.
	require.NoError(t, fx.handle.Cancel(ctx, id))
	require.NoError(t, fx.handle.Kick(ctx, id))
	assert.Contains(t, fx.kinds(id), persist.HistoryCancelled)
}

func TestChangeStageForcesWaitingInstance(t *testing.T) {
	fx := newFixture(t, waitingFlow(t), false)
	ctx := context.Background()

	id, err := fx.handle.Start(ctx, tally{})
	require.NoError(t, err)

	require.NoError(t, fx.handle.ChangeStage(ctx, id, "c"))

	stage, status, err := fx.handle.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageC, stage)
	assert.Equal(t, persist.StatusCompleted, status)

	err = fx.handle.ChangeStage(ctx, id, "no-such-stage")
	assert.Error(t, err)
}

func TestReloadFailureAfterClaimStaysRetryable(t *testing.T) {
	// Loads: 1 = pre-claim load, 2 = post-claim reload. Failing the reload
	// must park the instance in the error status, not strand it running.
	states := &flakyStateStore{StateStore: memstore.NewStateStore[tally](), failOn: 2}
	sched := &syncScheduler{}
	history := memstore.NewHistoryStore()
	eng, err := engine.New(engine.Config{
		Events:  memstore.NewEventStore(),
		Ticks:   sched,
		History: history,
	})
	require.NoError(t, err)
	handle, err := engine.Register(eng, "orders", linearFlow(t), states)
	require.NoError(t, err)

	ctx := context.Background()
	id, err := handle.Start(ctx, tally{N: 1})
	require.NoError(t, err)

	stage, status, err := handle.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageA, stage)
	assert.Equal(t, persist.StatusError, status)
	require.Len(t, sched.handlerErrors(), 1)
	assert.Contains(t, sched.handlerErrors()[0].Error(), "connection reset")

	// The instance is rescuable through the normal retry path.
	require.NoError(t, handle.Retry(ctx, id))
	data, err := handle.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageC, data.Stage)
	assert.Equal(t, persist.StatusCompleted, data.Status)
	assert.Equal(t, 11, data.State.N)
}

func TestCompensatingTickAfterRacedEvent(t *testing.T) {
	// The event is in the store before the instance reaches the waiting
	// stage, but the first peek misses it, as if it arrived between the peek
	// and the claim release. No tick was ever scheduled for the event, so
	// only the compensating tick from the release path can finish the run.
	events := &racingEventStore{EventStore: memstore.NewEventStore(), misses: 1}
	sched := &syncScheduler{hold: true}
	history := memstore.NewHistoryStore()
	eng, err := engine.New(engine.Config{
		Events:  events,
		Ticks:   sched,
		History: history,
	})
	require.NoError(t, err)
	handle, err := engine.Register(eng, "orders", waitingFlow(t), memstore.NewStateStore[tally]())
	require.NoError(t, err)

	ctx := context.Background()
	id, err := handle.Start(ctx, tally{})
	require.NoError(t, err)
	require.NoError(t, events.EventStore.Append(ctx, persist.StoredEvent{
		ID:         uuid.New(),
		FlowID:     "orders",
		InstanceID: id,
		Key:        flow.KeyOf(eventGo),
	}))

	sched.Drain(ctx)

	stage, status, err := handle.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageC, stage)
	assert.Equal(t, persist.StatusCompleted, status)
	assert.Empty(t, events.EventStore.Pending("orders", id))
	assert.Empty(t, sched.handlerErrors())

	// The claim really was released before the event was consumed.
	released := false
	for _, entry := range history.ForInstance("orders", id) {
		if entry.Kind == persist.HistoryStatusChanged &&
			entry.FromStatus == persist.StatusRunning && entry.ToStatus == persist.StatusPending {
			released = true
		}
	}
	assert.True(t, released)
}

func TestChangeStageResetsNonPendingStatus(t *testing.T) {
	b := flow.NewBuilder[tally]()
	b.Initial(stageA)
	b.Stage(stageA).Action(func(context.Context, tally) (*tally, error) {
		return nil, errors.New("downstream unavailable")
	}).Next(stageB)
	b.Stage(stageB)
	f, err := b.Build()
	require.NoError(t, err)

	fx := newFixture(t, f, false)
	ctx := context.Background()

	id, err := fx.handle.Start(ctx, tally{})
	require.NoError(t, err)
	_, status, err := fx.handle.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, persist.StatusError, status)

	// Rerouting an errored instance must also reset it to pending so the
	// enqueued tick can claim it.
	require.NoError(t, fx.handle.ChangeStage(ctx, id, "b"))

	stage, status, err := fx.handle.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stageB, stage)
	assert.Equal(t, persist.StatusCompleted, status)

	var reset bool
	for _, entry := range fx.history.ForInstance("orders", id) {
		if entry.Kind == persist.HistoryStatusChanged &&
			entry.FromStatus == persist.StatusError && entry.ToStatus == persist.StatusPending {
			reset = true
		}
	}
	assert.True(t, reset)
}

func TestEngineRequiresCollaborators(t *testing.T) {
	_, err := engine.New(engine.Config{Ticks: &syncScheduler{}})
	assert.Error(t, err)
	_, err = engine.New(engine.Config{Events: memstore.NewEventStore()})
	assert.Error(t, err)
}

func TestRegisterValidation(t *testing.T) {
	f := linearFlow(t)
	eng, err := engine.New(engine.Config{Events: memstore.NewEventStore(), Ticks: &syncScheduler{}})
	require.NoError(t, err)

	_, err = engine.Register(eng, "", f, memstore.NewStateStore[tally]())
	assert.Error(t, err)
	_, err = engine.Register[tally](eng, "orders", nil, memstore.NewStateStore[tally]())
	assert.Error(t, err)
	_, err = engine.Register[tally](eng, "orders", f, nil)
	assert.Error(t, err)

	_, err = engine.Register(eng, "orders", f, memstore.NewStateStore[tally]())
	require.NoError(t, err)
	_, err = engine.Register(eng, "orders", f, memstore.NewStateStore[tally]())
	assert.Error(t, err)
}

func TestUnregisteredFlow(t *testing.T) {
	fx := newFixture(t, linearFlow(t), false)
	ctx := context.Background()
	id := uuid.New()

	assert.ErrorIs(t, fx.engine.Kick(ctx, "ghost", id), engine.ErrNotRegistered)
	assert.ErrorIs(t, fx.engine.SendEvent(ctx, "ghost", id, eventGo), engine.ErrNotRegistered)
	assert.ErrorIs(t, fx.engine.Cancel(ctx, "ghost", id), engine.ErrNotRegistered)
	_, _, err := fx.engine.Status(ctx, "ghost", id)
	assert.ErrorIs(t, err, engine.ErrNotRegistered)
}

func TestStatusUnknownInstance(t *testing.T) {
	fx := newFixture(t, linearFlow(t), false)
	_, _, err := fx.handle.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, persist.ErrInstanceNotFound)
}

func TestEndToEndWithPollingScheduler(t *testing.T) {
	events := memstore.NewEventStore()
	states := memstore.NewStateStore[tally]()
	sched := scheduler.New(memstore.NewTickQueue(),
		scheduler.WithWorkers(2),
		scheduler.WithIdleDelay(5*time.Millisecond))
	eng, err := engine.New(engine.Config{Events: events, Ticks: sched})
	require.NoError(t, err)
	handle, err := engine.Register(eng, "orders", waitingFlow(t), states)
	require.NoError(t, err)
	require.NoError(t, sched.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, sched.Shutdown(ctx))
	})

	ctx := context.Background()
	id, err := handle.Start(ctx, tally{})
	require.NoError(t, err)

	waitStatus(t, handle, id, stageWait, persist.StatusPending)
	require.NoError(t, handle.SendEvent(ctx, id, eventGo))
	waitStatus(t, handle, id, stageC, persist.StatusCompleted)
}

// waitStatus polls until the instance reaches the wanted stage and status.
func waitStatus(t *testing.T, handle *engine.Handle[tally], id uuid.UUID, stage wfStage, status persist.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		gotStage, gotStatus, err := handle.Status(context.Background(), id)
		require.NoError(t, err)
		if gotStage == stage && gotStatus == status {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached stage %q status %q", id, stage, status)
}
