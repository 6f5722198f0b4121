package flow

// Branch is one side of a condition: either a leaf stage or a nested
// condition. Construct branches with To and Nested.
type Branch[S any] struct {
	stage Stage
	cond  *Condition[S]
}

// To makes a leaf branch targeting stage.
func To[S any](stage Stage) Branch[S] {
	return Branch[S]{stage: stage}
}

// Nested makes a branch that recurses into another condition.
func Nested[S any](cond *Condition[S]) Branch[S] {
	return Branch[S]{cond: cond}
}

// Condition is a binary decision tree over the domain state. Leaves are
// stage identities; resolution evaluates the predicate and recurses into the
// chosen branch until a leaf is reached. Conditions form a tree by
// construction (each node owns its branches), so resolution always
// terminates.
type Condition[S any] struct {
	predicate   Predicate[S]
	description string
	whenTrue    Branch[S]
	whenFalse   Branch[S]
}

// If builds a condition node. The description is a human-readable summary of
// what the predicate decides; it surfaces in validation messages.
func If[S any](pred Predicate[S], description string, whenTrue, whenFalse Branch[S]) *Condition[S] {
	return &Condition[S]{
		predicate:   pred,
		description: description,
		whenTrue:    whenTrue,
		whenFalse:   whenFalse,
	}
}

// Description returns the human-readable summary supplied to If.
func (c *Condition[S]) Description() string { return c.description }

// Resolve evaluates the tree against state and returns the leaf stage.
func (c *Condition[S]) Resolve(state S) Stage {
	branch := c.whenFalse
	if c.predicate(state) {
		branch = c.whenTrue
	}
	if branch.cond != nil {
		return branch.cond.Resolve(state)
	}
	return branch.stage
}

// leaves appends every leaf stage in the tree to dst. A nil entry marks a
// branch that resolves to nothing; the validator rejects those.
func (c *Condition[S]) leaves(dst []Stage) []Stage {
	for _, branch := range []Branch[S]{c.whenTrue, c.whenFalse} {
		if branch.cond != nil {
			dst = branch.cond.leaves(dst)
			continue
		}
		dst = append(dst, branch.stage)
	}
	return dst
}

// complete reports whether the predicate is set and every root-to-leaf path
// ends in a stage.
func (c *Condition[S]) complete() bool {
	if c.predicate == nil {
		return false
	}
	for _, branch := range []Branch[S]{c.whenTrue, c.whenFalse} {
		if branch.cond != nil {
			if !branch.cond.complete() {
				return false
			}
			continue
		}
		if branch.stage == nil {
			return false
		}
	}
	return true
}
