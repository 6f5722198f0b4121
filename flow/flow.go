// Package flow defines the immutable workflow graph executed by the engine:
// stages, transitions, condition trees, and the builder that validates a
// graph before it can ever run.
//
// A flow is a directed graph whose nodes are stages. Each stage carries at
// most one outgoing transition, which is exactly one of:
//
//   - an automatic successor (Next),
//   - a binary condition tree resolving to a successor (When), or
//   - a set of external event handlers (On / OnCondition).
//
// A stage with none of the above is terminal. Stage and event identities are
// supplied by the host application, typically as string-based enumerations.
//
// Flows are built once via Builder, validated structurally at build time, and
// never mutated afterwards, so they are safe for concurrent use.
package flow

import (
	"context"
	"fmt"
	"sort"
)

// Stage identifies a node in the flow graph. The host supplies the concrete
// type; it must be comparable (it is used as a map key) and its String
// rendering must be stable, because the history store and the change-stage
// operation both key off it.
type Stage interface {
	fmt.Stringer
}

// Event identifies an external stimulus kind. Like Stage, the concrete type
// is host-supplied, must be comparable, and must render stably.
type Event interface {
	fmt.Stringer
}

// EventKey is the stable string encoding of an event kind: the Go type of
// the event value plus its rendered name. The pair jointly identifies the
// kind in persisted event rows, so two enum types sharing value names do not
// collide.
type EventKey struct {
	Type  string
	Value string
}

// KeyOf derives the EventKey for an event value.
func KeyOf(e Event) EventKey {
	return EventKey{Type: fmt.Sprintf("%T", e), Value: e.String()}
}

// String renders the key as "type/value".
func (k EventKey) String() string { return k.Type + "/" + k.Value }

// Action is a function attached to a stage. It receives the current domain
// state and returns either a replacement state or nil, meaning "keep the
// existing state". Actions must respect context cancellation when they
// perform I/O.
type Action[S any] func(ctx context.Context, state S) (*S, error)

// Predicate evaluates a condition branch against the domain state. It must
// be pure: the engine may evaluate it at any transition boundary.
type Predicate[S any] func(state S) bool

// Flow is an immutable workflow graph. Build one with Builder.
type Flow[S any] struct {
	initialStage Stage
	initialCond  *Condition[S]
	defs         map[Stage]*StageDefinition[S]
	byName       map[string]Stage
}

// ResolveInitial returns the stage a new instance starts in, evaluating the
// initial condition against state when one is defined.
func (f *Flow[S]) ResolveInitial(state S) Stage {
	if f.initialCond != nil {
		return f.initialCond.Resolve(state)
	}
	return f.initialStage
}

// Definition returns the definition of stage, or false if the stage is not
// part of this flow.
func (f *Flow[S]) Definition(stage Stage) (*StageDefinition[S], bool) {
	def, ok := f.defs[stage]
	return def, ok
}

// StageNamed resolves a stage by its stable string rendering. Used by the
// operator change-stage escape hatch.
func (f *Flow[S]) StageNamed(name string) (Stage, bool) {
	s, ok := f.byName[name]
	return s, ok
}

// Stages returns all defined stages sorted by name.
func (f *Flow[S]) Stages() []Stage {
	names := make([]string, 0, len(f.byName))
	for name := range f.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	stages := make([]Stage, len(names))
	for i, name := range names {
		stages[i] = f.byName[name]
	}
	return stages
}

// StageDefinition describes one stage of a flow: an optional action and at
// most one outgoing transition descriptor.
type StageDefinition[S any] struct {
	stage    Stage
	action   Action[S]
	next     Stage
	cond     *Condition[S]
	handlers []*EventHandler[S]
}

// Stage returns the identity this definition belongs to.
func (d *StageDefinition[S]) Stage() Stage { return d.stage }

// Action returns the stage action, or nil when the stage keeps state as-is.
func (d *StageDefinition[S]) Action() Action[S] { return d.action }

// Next returns the automatic successor, or nil.
func (d *StageDefinition[S]) Next() Stage { return d.next }

// Condition returns the condition transition, or nil.
func (d *StageDefinition[S]) Condition() *Condition[S] { return d.cond }

// Handlers returns the event handlers in declaration order.
func (d *StageDefinition[S]) Handlers() []*EventHandler[S] { return d.handlers }

// HandlerFor returns the handler waiting on the event kind identified by
// key, or false when this stage does not wait on it.
func (d *StageDefinition[S]) HandlerFor(key EventKey) (*EventHandler[S], bool) {
	for _, h := range d.handlers {
		if h.key == key {
			return h, true
		}
	}
	return nil, false
}

// WaitKeys returns the event kinds this stage waits on, in declaration
// order. Empty for non-waiting stages.
func (d *StageDefinition[S]) WaitKeys() []EventKey {
	if len(d.handlers) == 0 {
		return nil
	}
	keys := make([]EventKey, len(d.handlers))
	for i, h := range d.handlers {
		keys[i] = h.key
	}
	return keys
}

// Terminal reports whether the stage has no outgoing transition of any kind.
// Terminal stages may still carry an action, which runs before the instance
// completes.
func (d *StageDefinition[S]) Terminal() bool {
	return d.next == nil && d.cond == nil && len(d.handlers) == 0
}

// EventHandler maps one awaited event kind to its target: either a direct
// stage or a nested condition tree evaluated against the instance state at
// consumption time.
type EventHandler[S any] struct {
	event  Event
	key    EventKey
	target Stage
	cond   *Condition[S]
}

// Event returns the awaited event identity.
func (h *EventHandler[S]) Event() Event { return h.event }

// Key returns the stable encoding of the awaited event kind.
func (h *EventHandler[S]) Key() EventKey { return h.key }

// ResolveTarget returns the stage the instance moves to when this handler
// consumes its event.
func (h *EventHandler[S]) ResolveTarget(state S) Stage {
	if h.cond != nil {
		return h.cond.Resolve(state)
	}
	return h.target
}
