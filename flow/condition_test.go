package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type condStage string

func (s condStage) String() string { return string(s) }

type condState struct {
	Score int
	Rush  bool
}

func TestConditionResolveLeaf(t *testing.T) {
	cond := If(func(s condState) bool { return s.Score > 10 }, "score above 10?",
		To[condState](condStage("high")),
		To[condState](condStage("low")))

	assert.Equal(t, condStage("high"), cond.Resolve(condState{Score: 11}))
	assert.Equal(t, condStage("low"), cond.Resolve(condState{Score: 10}))
	assert.Equal(t, "score above 10?", cond.Description())
}

func TestConditionResolveNested(t *testing.T) {
	inner := If(func(s condState) bool { return s.Rush }, "rush?",
		To[condState](condStage("rush")),
		To[condState](condStage("regular")))
	outer := If(func(s condState) bool { return s.Score > 0 }, "scored?",
		Nested(inner),
		To[condState](condStage("unscored")))

	assert.Equal(t, condStage("rush"), outer.Resolve(condState{Score: 1, Rush: true}))
	assert.Equal(t, condStage("regular"), outer.Resolve(condState{Score: 1}))
	assert.Equal(t, condStage("unscored"), outer.Resolve(condState{Score: -1, Rush: true}))
}

func TestConditionLeaves(t *testing.T) {
	inner := If(func(condState) bool { return true }, "inner",
		To[condState](condStage("a")),
		To[condState](condStage("b")))
	outer := If(func(condState) bool { return true }, "outer",
		To[condState](condStage("c")),
		Nested(inner))

	leaves := outer.leaves(nil)
	assert.Equal(t, []Stage{condStage("c"), condStage("a"), condStage("b")}, leaves)
}

func TestConditionCompleteness(t *testing.T) {
	complete := If(func(condState) bool { return true }, "ok",
		To[condState](condStage("a")),
		To[condState](condStage("b")))
	assert.True(t, complete.complete())

	danglingBranch := If(func(condState) bool { return true }, "dangling",
		To[condState](condStage("a")),
		Branch[condState]{})
	assert.False(t, danglingBranch.complete())

	nilPredicate := &Condition[condState]{
		whenTrue:  To[condState](condStage("a")),
		whenFalse: To[condState](condStage("b")),
	}
	assert.False(t, nilPredicate.complete())

	nestedDangling := If(func(condState) bool { return true }, "outer",
		Nested(danglingBranch),
		To[condState](condStage("b")))
	assert.False(t, nestedDangling.complete())
}
