package flow

import (
	"fmt"
	"strings"
)

// DefinitionError reports every structural problem found while building a
// flow. The runtime never sees a malformed graph: Build refuses to return
// one.
type DefinitionError struct {
	// Issues holds one human-readable message per problem, each naming the
	// offending stage or event.
	Issues []string
}

// Error renders all issues as a single multi-line message.
func (e *DefinitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "flow: invalid definition (%d issue(s)):", len(e.Issues))
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		b.WriteString(issue)
	}
	return b.String()
}

// Builder assembles a Flow. Declare every stage with Stage, pick the entry
// point with Initial or InitialCondition, then call Build. Builders are not
// safe for concurrent use and must not be reused after Build.
type Builder[S any] struct {
	initialStage Stage
	initialCond  *Condition[S]
	stages       []*StageBuilder[S]
	issues       []string
}

// NewBuilder creates an empty flow builder for domain state type S.
func NewBuilder[S any]() *Builder[S] {
	return &Builder[S]{}
}

// Initial sets the stage new instances start in.
func (b *Builder[S]) Initial(stage Stage) *Builder[S] {
	if b.initialStage != nil || b.initialCond != nil {
		b.issues = append(b.issues, "initial target set more than once")
		return b
	}
	b.initialStage = stage
	return b
}

// InitialCondition sets a condition tree that picks the starting stage from
// the domain state supplied at start time.
func (b *Builder[S]) InitialCondition(cond *Condition[S]) *Builder[S] {
	if b.initialStage != nil || b.initialCond != nil {
		b.issues = append(b.issues, "initial target set more than once")
		return b
	}
	b.initialCond = cond
	return b
}

// Stage declares a stage and returns its builder for attaching an action
// and a transition. Declaring the same stage twice is a definition error
// reported by Build.
func (b *Builder[S]) Stage(stage Stage) *StageBuilder[S] {
	sb := &StageBuilder[S]{builder: b, stage: stage}
	b.stages = append(b.stages, sb)
	return sb
}

// StageBuilder attaches an action and at most one transition kind to a
// declared stage. Attaching a second kind is a definition error.
type StageBuilder[S any] struct {
	builder  *Builder[S]
	stage    Stage
	action   Action[S]
	next     Stage
	cond     *Condition[S]
	handlers []*EventHandler[S]
}

// Action attaches the stage action.
func (sb *StageBuilder[S]) Action(action Action[S]) *StageBuilder[S] {
	if sb.action != nil {
		sb.fail("action set more than once")
		return sb
	}
	sb.action = action
	return sb
}

// Next attaches an automatic successor.
func (sb *StageBuilder[S]) Next(stage Stage) *StageBuilder[S] {
	if sb.transitionKind() != "" {
		sb.fail("transition %s already attached, cannot add automatic successor", sb.transitionKind())
		return sb
	}
	sb.next = stage
	return sb
}

// When attaches a condition transition.
func (sb *StageBuilder[S]) When(cond *Condition[S]) *StageBuilder[S] {
	if sb.transitionKind() != "" {
		sb.fail("transition %s already attached, cannot add condition", sb.transitionKind())
		return sb
	}
	sb.cond = cond
	return sb
}

// On attaches an event handler with a direct target stage. Multiple On and
// OnCondition calls on the same stage accumulate handlers.
func (sb *StageBuilder[S]) On(event Event, target Stage) *StageBuilder[S] {
	return sb.addHandler(&EventHandler[S]{event: event, key: KeyOf(event), target: target})
}

// OnCondition attaches an event handler whose target is picked by a
// condition tree evaluated when the event is consumed.
func (sb *StageBuilder[S]) OnCondition(event Event, cond *Condition[S]) *StageBuilder[S] {
	return sb.addHandler(&EventHandler[S]{event: event, key: KeyOf(event), cond: cond})
}

func (sb *StageBuilder[S]) addHandler(h *EventHandler[S]) *StageBuilder[S] {
	if sb.next != nil || sb.cond != nil {
		sb.fail("transition %s already attached, cannot add event handler for %q", sb.transitionKind(), h.key)
		return sb
	}
	for _, existing := range sb.handlers {
		if existing.key == h.key {
			sb.fail("event %q handled more than once", h.key)
			return sb
		}
	}
	sb.handlers = append(sb.handlers, h)
	return sb
}

// transitionKind names the transition already attached, or returns "" when
// none is.
func (sb *StageBuilder[S]) transitionKind() string {
	switch {
	case sb.next != nil:
		return "next-stage"
	case sb.cond != nil:
		return "condition"
	case len(sb.handlers) > 0:
		return "event-handlers"
	}
	return ""
}

func (sb *StageBuilder[S]) fail(format string, args ...any) {
	prefix := fmt.Sprintf("stage %q: ", sb.stage)
	sb.builder.issues = append(sb.builder.issues, prefix+fmt.Sprintf(format, args...))
}

// Build validates the declared graph and returns the immutable Flow. All
// problems are collected and reported together as a *DefinitionError:
//
//  1. exactly one of initial stage / initial condition is set;
//  2. no stage is defined twice;
//  3. each stage has at most one transition kind, and never both an action
//     and event handlers;
//  4. every referenced stage (initial target, successors, condition leaves,
//     event targets) is defined;
//  5. every condition tree resolves to a stage on every path;
//  6. an event kind is waited on by at most one stage in the flow.
func (b *Builder[S]) Build() (*Flow[S], error) {
	issues := b.issues

	defs := make(map[Stage]*StageDefinition[S], len(b.stages))
	byName := make(map[string]Stage, len(b.stages))
	for _, sb := range b.stages {
		if sb.stage == nil {
			issues = append(issues, "stage declared with nil identity")
			continue
		}
		if _, dup := defs[sb.stage]; dup {
			issues = append(issues, fmt.Sprintf("stage %q defined more than once", sb.stage))
			continue
		}
		defs[sb.stage] = &StageDefinition[S]{
			stage:    sb.stage,
			action:   sb.action,
			next:     sb.next,
			cond:     sb.cond,
			handlers: sb.handlers,
		}
		byName[sb.stage.String()] = sb.stage
	}

	issues = append(issues, b.validateInitial(defs)...)
	issues = append(issues, b.validateStages(defs)...)

	if len(issues) > 0 {
		return nil, &DefinitionError{Issues: issues}
	}
	return &Flow[S]{
		initialStage: b.initialStage,
		initialCond:  b.initialCond,
		defs:         defs,
		byName:       byName,
	}, nil
}

func (b *Builder[S]) validateInitial(defs map[Stage]*StageDefinition[S]) []string {
	var issues []string
	switch {
	case b.initialStage == nil && b.initialCond == nil:
		issues = append(issues, "no initial stage or initial condition set")
	case b.initialStage != nil:
		if _, ok := defs[b.initialStage]; !ok {
			issues = append(issues, fmt.Sprintf("initial stage %q is not defined", b.initialStage))
		}
	case b.initialCond != nil:
		issues = append(issues, checkCondition(b.initialCond, "initial condition", defs)...)
	}
	return issues
}

func (b *Builder[S]) validateStages(defs map[Stage]*StageDefinition[S]) []string {
	var issues []string

	// One wait key per flow: repeated occurrences of the same event kind
	// must be modelled as distinct kinds.
	waitedBy := make(map[EventKey]Stage)

	// Duplicate declarations are already reported; validate the first only.
	seen := make(map[Stage]bool, len(b.stages))
	for _, sb := range b.stages {
		if sb.stage == nil || seen[sb.stage] {
			continue
		}
		seen[sb.stage] = true

		if sb.action != nil && len(sb.handlers) > 0 {
			issues = append(issues, fmt.Sprintf("stage %q declares both an action and event handlers", sb.stage))
		}
		if sb.next != nil {
			if _, ok := defs[sb.next]; !ok {
				issues = append(issues, fmt.Sprintf("stage %q: successor %q is not defined", sb.stage, sb.next))
			}
		}
		if sb.cond != nil {
			where := fmt.Sprintf("stage %q condition", sb.stage)
			issues = append(issues, checkCondition(sb.cond, where, defs)...)
		}
		for _, h := range sb.handlers {
			if prev, taken := waitedBy[h.key]; taken {
				issues = append(issues, fmt.Sprintf("event %q waited on by both stage %q and stage %q", h.key, prev, sb.stage))
			} else {
				waitedBy[h.key] = sb.stage
			}
			if h.cond != nil {
				where := fmt.Sprintf("stage %q handler for %q", sb.stage, h.key)
				issues = append(issues, checkCondition(h.cond, where, defs)...)
				continue
			}
			if h.target == nil {
				issues = append(issues, fmt.Sprintf("stage %q handler for %q has no target", sb.stage, h.key))
				continue
			}
			if _, ok := defs[h.target]; !ok {
				issues = append(issues, fmt.Sprintf("stage %q handler for %q targets undefined stage %q", sb.stage, h.key, h.target))
			}
		}
	}
	return issues
}

// checkCondition verifies that cond resolves to a defined stage on every
// root-to-leaf path.
func checkCondition[S any](cond *Condition[S], where string, defs map[Stage]*StageDefinition[S]) []string {
	var issues []string
	if !cond.complete() {
		issues = append(issues, fmt.Sprintf("%s: a branch does not resolve to a stage", where))
	}
	for _, leaf := range cond.leaves(nil) {
		if leaf == nil {
			continue // already reported by the completeness check
		}
		if _, ok := defs[leaf]; !ok {
			issues = append(issues, fmt.Sprintf("%s: leaf stage %q is not defined", where, leaf))
		}
	}
	return issues
}
