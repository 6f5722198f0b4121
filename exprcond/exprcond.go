// Package exprcond compiles expr-lang expressions into flow predicates, so
// condition trees can be declared as strings ("Total > 500 && !Rush")
// instead of hand-written closures. Expressions are type-checked against the
// domain state type at compile time, not when a condition is resolved.
package exprcond

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/stageflow/stageflow/flow"
)

// Predicate compiles src into a boolean predicate over the domain state type
// S. The expression is checked against S's fields and must yield a bool.
//
// Evaluation errors at resolution time (for example a nil dereference inside
// the expression) resolve to false, since flow predicates cannot fail; keep
// expressions total over the states the flow can carry.
func Predicate[S any](src string) (flow.Predicate[S], error) {
	var zero S
	program, err := expr.Compile(src, expr.Env(zero), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("exprcond: compiling %q: %w", src, err)
	}
	return func(state S) bool {
		out, err := vm.Run(program, state)
		if err != nil {
			return false
		}
		result, ok := out.(bool)
		return ok && result
	}, nil
}

// MustPredicate is Predicate, panicking on compile errors. Intended for
// flow definitions built at program initialization, where a malformed
// expression is a programming error.
func MustPredicate[S any](src string) flow.Predicate[S] {
	p, err := Predicate[S](src)
	if err != nil {
		panic(err)
	}
	return p
}
