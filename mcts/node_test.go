package mcts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/rootplusdev/AlphaZeroArcade/game"
)

func testRng() *rand.Rand {
	return rand.New(rand.NewSource(7))
}

func makeRoot(t *testing.T, rules *toyRules) *Node {
	t.Helper()
	ctx := newToyContext(rules)
	root := newRootNode(ctx, &toyState{}, game.NonTerminalOutcome(2), false, 0, testRng())
	require.True(t, root.initialized.Load())
	return root
}

func TestExpandChildrenAscendingActions(t *testing.T) {
	root := makeRoot(t, newToyRules(3, 4))
	root.evalMu.Lock()
	root.expandChildren()
	root.evalMu.Unlock()

	require.Equal(t, 3, root.numChildren())
	for i := 0; i < 3; i++ {
		assert.Equal(t, game.Action(i), root.child(i).action())
		assert.Same(t, root, root.child(i).parent())
	}
	assert.Same(t, root.child(1), root.findChild(1))
	assert.Nil(t, root.findChild(99))
}

func TestBackpropRunningAverage(t *testing.T) {
	root := makeRoot(t, newToyRules(2, 4))
	root.evalMu.Lock()
	root.expandChildren()
	root.evalMu.Unlock()

	child := root.child(0)
	child.lazyInit(testRng())

	child.backprop(game.Outcome{1, 0})
	child.backprop(game.Outcome{0, 1})

	st := child.statsSnapshot()
	assert.Equal(t, int32(2), st.count)
	assert.InDelta(t, 0.5, st.valueAvg[0], 1e-6)
	assert.InDelta(t, 0.5, st.valueAvg[1], 1e-6)

	// Backprop walks to the root.
	rootSt := root.statsSnapshot()
	assert.Equal(t, int32(2), rootSt.count)

	// value_avg stays on the simplex.
	var sum float32
	for _, v := range rootSt.valueAvg {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestVirtualBackpropBalance(t *testing.T) {
	root := makeRoot(t, newToyRules(2, 4))
	root.evalMu.Lock()
	root.expandChildren()
	root.evalMu.Unlock()

	child := root.child(0)
	child.lazyInit(testRng())

	child.virtualBackprop()
	st := child.statsSnapshot()
	assert.Equal(t, int32(1), st.count)
	assert.Equal(t, int32(1), st.virtualCount)
	assert.Equal(t, int32(0), st.effectiveCount())

	// The virtual loss charges the node's current player.
	cp := child.lazy.currentPlayer
	assert.InDelta(t, 1.0, st.valueAvg[cp], 1e-6)

	child.backpropWithVirtualUndo([]float32{0.5, 0.5})
	st = child.statsSnapshot()
	assert.Equal(t, int32(1), st.count)
	assert.Equal(t, int32(0), st.virtualCount)
	assert.InDelta(t, 0.5, st.valueAvg[0], 1e-6)
	assert.InDelta(t, 0.5, st.valueAvg[1], 1e-6)

	rootSt := root.statsSnapshot()
	assert.Equal(t, int32(0), rootSt.virtualCount)
	assert.Equal(t, int32(1), rootSt.count)
}

func TestPerformEliminationsFromTerminalChildren(t *testing.T) {
	// Depth-1 game: every root child is terminal, player 0 always wins.
	rules := newToyRules(2, 1)
	rules.outcome = func([]int8) game.Outcome { return game.Outcome{1, 0} }

	root := makeRoot(t, rules)
	root.evalMu.Lock()
	root.expandChildren()
	root.evalMu.Unlock()

	for i := 0; i < root.numChildren(); i++ {
		child := root.child(i)
		child.lazyInit(testRng())
		outcome := child.lazy.outcome
		require.True(t, outcome.IsTerminal())
		child.backprop(outcome)
		child.performEliminations(outcome)

		st := child.statsSnapshot()
		assert.True(t, st.eliminated)
		assert.Equal(t, float32(1), st.vFloor[0])
	}

	// Root's floor is max over children for its player: a proven win.
	rootSt := root.statsSnapshot()
	assert.Equal(t, float32(1), rootSt.vFloor[0])
	assert.True(t, rootSt.eliminated)
	// eliminated implies some player's floor is 1.
	assert.True(t, rootSt.canBeEliminated())
	// effective value tracks the floor once the outcome is certain.
	assert.Equal(t, float32(1), rootSt.effectiveValueAvg[0])
}

func TestEffectiveCountsOfEliminatedNode(t *testing.T) {
	rules := newToyRules(2, 1)
	rules.outcome = func(moves []int8) game.Outcome {
		if moves[0] == 0 {
			return game.Outcome{1, 0}
		}
		return game.Outcome{0, 1}
	}

	root := makeRoot(t, rules)
	root.evalMu.Lock()
	root.expandChildren()
	root.evalMu.Unlock()

	for i := 0; i < 2; i++ {
		child := root.child(i)
		child.lazyInit(testRng())
		outcome := child.lazy.outcome
		child.backprop(outcome)
		child.performEliminations(outcome)
	}

	// The root (player 0 to move) is proven winning via action 0; only the
	// proving child counts.
	counts := root.getEffectiveCounts()
	assert.Equal(t, float32(1), counts[0])
	assert.Equal(t, float32(0), counts[1])
}

func TestMarkFullyAnalyzedPropagates(t *testing.T) {
	root := makeRoot(t, newToyRules(2, 2))
	root.evalMu.Lock()
	root.expandChildren()
	root.evalMu.Unlock()

	c0, c1 := root.child(0), root.child(1)
	c0.lazyInit(testRng())
	c1.lazyInit(testRng())

	c0.markFullyAnalyzed()
	root.evalMu.Lock()
	full := root.fullyAnalyzed.All()
	root.evalMu.Unlock()
	assert.False(t, full)

	c1.markFullyAnalyzed()
	root.evalMu.Lock()
	full = root.fullyAnalyzed.All()
	root.evalMu.Unlock()
	assert.True(t, full)
}

func TestDetachForRootAdoptsChildren(t *testing.T) {
	root := makeRoot(t, newToyRules(2, 4))
	root.evalMu.Lock()
	root.expandChildren()
	root.evalMu.Unlock()

	child := root.child(1)
	child.lazyInit(testRng())
	child.evalMu.Lock()
	child.expandChildren()
	child.evalMu.Unlock()
	child.backprop(game.Outcome{0.5, 0.5})

	promoted := child.detachForRoot()
	assert.Nil(t, promoted.parent())
	assert.True(t, promoted.isRoot())
	assert.Equal(t, int32(1), promoted.statsSnapshot().count)
	require.Equal(t, 2, promoted.numChildren())
	for i := 0; i < promoted.numChildren(); i++ {
		assert.Same(t, promoted, promoted.child(i).parent())
	}

	// Releasing the old tree while protecting the promoted subtree leaves
	// the promoted children intact.
	root.release(child)
	assert.Equal(t, 2, promoted.numChildren())
}

func TestLazyInitAdoptsSymmetricSibling(t *testing.T) {
	rules := newSymmetricToyRules(4, 4)
	root := makeRoot(t, rules)
	root.evalMu.Lock()
	root.expandChildren()
	root.evalMu.Unlock()

	c0 := root.child(0).lazyInit(testRng())
	require.NotNil(t, c0)

	// Action 2 mirrors action 0: its canonical key matches, so the table
	// hands back c0 and the slot is redirected to it.
	c2 := root.child(2).lazyInit(testRng())
	assert.Same(t, c0, c2)
	assert.Same(t, c0, root.child(2))
	assert.Equal(t, game.Action(2), root.childAction(2), "the slot keeps its own action")
	assert.Equal(t, game.Action(0), root.child(2).action())

	// Repeated init through the redirected slot keeps resolving to the
	// shared node.
	assert.Same(t, c0, root.child(2).lazyInit(testRng()))

	// Visits through either edge accumulate in the one shared node.
	c2.backprop(game.Outcome{0.5, 0.5})
	assert.Equal(t, int32(1), root.child(0).statsSnapshot().count)
	counts := root.getEffectiveCounts()
	assert.Equal(t, counts[0], counts[2])

	// Distinct canonical states stay distinct.
	c1 := root.child(1).lazyInit(testRng())
	assert.NotSame(t, c0, c1)
	c3 := root.child(3).lazyInit(testRng())
	assert.Same(t, c1, c3)
}

func TestMarkFullyAnalyzedCoversSharedSlots(t *testing.T) {
	rules := newSymmetricToyRules(4, 4)
	root := makeRoot(t, rules)
	root.evalMu.Lock()
	root.expandChildren()
	root.evalMu.Unlock()

	c0 := root.child(0).lazyInit(testRng())
	root.child(2).lazyInit(testRng())
	c1 := root.child(1).lazyInit(testRng())
	root.child(3).lazyInit(testRng())

	// Analyzing the two shared nodes covers all four actions.
	c0.markFullyAnalyzed()
	root.evalMu.Lock()
	full := root.fullyAnalyzed.All()
	root.evalMu.Unlock()
	assert.False(t, full)

	c1.markFullyAnalyzed()
	root.evalMu.Lock()
	full = root.fullyAnalyzed.All()
	root.evalMu.Unlock()
	assert.True(t, full)
}

func TestLazyInitDerivesState(t *testing.T) {
	rules := newToyRules(3, 4)
	root := makeRoot(t, rules)
	root.evalMu.Lock()
	root.expandChildren()
	root.evalMu.Unlock()

	child := root.child(2)
	assert.False(t, child.initialized.Load())
	child.lazyInit(testRng())
	require.True(t, child.initialized.Load())

	assert.Equal(t, []int8{2}, child.lazy.state.(*toyState).moves)
	assert.Equal(t, 1, child.lazy.currentPlayer)
	assert.Equal(t, 1, child.lazy.moveNumber)
	assert.Equal(t, 0, child.lazy.symIndex)
	assert.Equal(t, 3, child.lazy.validActions.Count())

	// The parent's own state is untouched.
	assert.Empty(t, root.lazy.state.(*toyState).moves)
}
