// Package scheduler provides a polling tick scheduler: a durable FIFO
// TickQueue drained by a single poller and a bounded pool of workers. It
// implements persist.TickScheduler and is the default way to drive an
// engine; hosts with their own delivery infrastructure can substitute any
// other TickScheduler implementation.
//
// Each fetched tick is claimed by deleting its row; losing that race to
// another poller is expected and silently skipped, so multiple processes may
// poll the same queue.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stageflow/stageflow/persist"
)

const (
	defaultWorkers   = 4
	defaultIdleDelay = 250 * time.Millisecond
	defaultBatchSize = 16
)

// Scheduler polls a durable tick queue and dispatches claimed ticks to a
// worker pool. Create one with New, install the engine's handler (the engine
// does this during construction), then call Start.
type Scheduler struct {
	queue     persist.TickQueue
	workers   int
	idleDelay time.Duration
	batchSize int
	logger    *log.Logger

	mu      sync.Mutex
	handler persist.TickHandler
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	ticks   chan persist.Tick
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the number of parallel tick workers (default 4).
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workers = n }
}

// WithIdleDelay sets how long the poller sleeps after an empty batch
// (default 250ms).
func WithIdleDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.idleDelay = d }
}

// WithBatchSize sets how many ticks the poller fetches per round
// (default 16).
func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batchSize = n }
}

// WithLogger attaches a charmbracelet/log Logger. When nil the scheduler
// operates silently.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New creates a Scheduler draining queue. The queue must not be nil.
func New(queue persist.TickQueue, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:     queue,
		workers:   defaultWorkers,
		idleDelay: defaultIdleDelay,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHandler installs the tick handler. Must be called before Start.
func (s *Scheduler) SetHandler(h persist.TickHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Schedule enqueues one tick row per call. Duplicates are allowed; the
// engine's claim makes duplicate delivery idempotent.
func (s *Scheduler) Schedule(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	tick := persist.Tick{ID: uuid.New(), FlowID: flowID, InstanceID: instanceID}
	if err := s.queue.Enqueue(ctx, tick); err != nil {
		return fmt.Errorf("scheduler: enqueueing tick for %s/%s: %w", flowID, instanceID, err)
	}
	return nil
}

// Start launches the poller and the worker pool. It returns immediately;
// call Shutdown to stop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return fmt.Errorf("scheduler: Start called before SetHandler")
	}
	if s.started {
		return fmt.Errorf("scheduler: already started")
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticks = make(chan persist.Tick)
	s.group = &errgroup.Group{}

	s.group.Go(func() error {
		s.poll(ctx)
		close(s.ticks)
		return nil
	})
	for i := 0; i < s.workers; i++ {
		worker := i
		s.group.Go(func() error {
			s.work(worker)
			return nil
		})
	}
	s.logInfo("scheduler started", "workers", s.workers, "idle_delay", s.idleDelay)
	return nil
}

// Shutdown stops the poller, lets in-flight workers drain, and waits for
// them until ctx expires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	group := s.group
	s.started = false
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logInfo("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: shutdown deadline exceeded: %w", ctx.Err())
	}
}

// poll fetches batches, claims each tick by deleting its row, and hands the
// survivors to the worker pool. On an empty batch it sleeps for the idle
// delay.
func (s *Scheduler) poll(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := s.queue.Next(ctx, s.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logWarn("fetching tick batch failed", "error", err)
			s.sleep(ctx)
			continue
		}
		if len(batch) == 0 {
			s.sleep(ctx)
			continue
		}
		for _, tick := range batch {
			claimed, err := s.queue.Delete(ctx, tick.ID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logWarn("claiming tick failed", "tick", tick.ID, "error", err)
				continue
			}
			if !claimed {
				// Another poller won the row. Not an error.
				continue
			}
			select {
			case s.ticks <- tick:
			case <-ctx.Done():
				// Claimed but not dispatched: put the tick back so the next
				// run redelivers it instead of losing it.
				if err := s.queue.Enqueue(context.Background(), tick); err != nil {
					s.logWarn("re-enqueueing tick on shutdown failed", "tick", tick.ID, "error", err)
				}
				return
			}
		}
	}
}

// work consumes ticks until the channel closes. Handler errors are logged
// and absorbed so one failing instance cannot take a worker down, and panics
// are contained the same way.
func (s *Scheduler) work(worker int) {
	for tick := range s.ticks {
		s.process(worker, tick)
	}
}

func (s *Scheduler) process(worker int, tick persist.Tick) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logError("tick handler panicked",
				"worker", worker, "flow", tick.FlowID, "instance", tick.InstanceID, "panic", rec)
		}
	}()
	// In-flight work is never interrupted; shutdown waits for it instead.
	if err := s.handler(context.Background(), tick.FlowID, tick.InstanceID); err != nil {
		s.logWarn("tick handling failed",
			"worker", worker, "flow", tick.FlowID, "instance", tick.InstanceID, "error", err)
	}
}

// sleep waits for the idle delay or until ctx is cancelled.
func (s *Scheduler) sleep(ctx context.Context) {
	timer := time.NewTimer(s.idleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (s *Scheduler) logInfo(msg string, kvs ...any) {
	if s.logger != nil {
		s.logger.Info(msg, kvs...)
	}
}

func (s *Scheduler) logWarn(msg string, kvs ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, kvs...)
	}
}

func (s *Scheduler) logError(msg string, kvs ...any) {
	if s.logger != nil {
		s.logger.Error(msg, kvs...)
	}
}
