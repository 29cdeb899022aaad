package mcts

import (
	"fmt"

	"github.com/rootplusdev/AlphaZeroArcade/game"
)

// toyState is a move-history position in an abstract fixed-branching game.
type toyState struct {
	moves []int8
}

func (s *toyState) Clone() game.State {
	return &toyState{moves: append([]int8(nil), s.moves...)}
}

// toyRules is a two-player game with a constant branching factor that ends
// after a fixed number of moves. The outcome function decides the terminal
// result from the move history; the default is a draw. keyFn, when set,
// overrides the canonical key so move sequences can transpose.
type toyRules struct {
	branching int
	depth     int
	outcome   func(moves []int8) game.Outcome
	keyFn     func(moves []int8) string
}

func newToyRules(branching, depth int) *toyRules {
	return &toyRules{
		branching: branching,
		depth:     depth,
		outcome:   func([]int8) game.Outcome { return game.Outcome{0.5, 0.5} },
	}
}

// newSymmetricToyRules treats action a and its mirror a+branching/2 as the
// same move: canonical keys fold every move modulo branching/2, so each
// mirrored sibling pair transposes to one canonical state.
func newSymmetricToyRules(branching, depth int) *toyRules {
	r := newToyRules(branching, depth)
	half := int8(branching / 2)
	r.keyFn = func(moves []int8) string {
		folded := make([]int8, len(moves))
		for i, mv := range moves {
			folded[i] = mv % half
		}
		return fmt.Sprint(folded)
	}
	return r
}

func (r *toyRules) NumPlayers() int         { return 2 }
func (r *toyRules) NumGlobalActions() int   { return r.branching }
func (r *toyRules) MaxNumLocalActions() int { return r.branching }

func (r *toyRules) LegalMoves(state game.State) game.ActionMask {
	s := state.(*toyState)
	mask := game.NewActionMask(r.branching)
	if len(s.moves) >= r.depth {
		return mask
	}
	for a := 0; a < r.branching; a++ {
		mask.Set(a)
	}
	return mask
}

func (r *toyRules) CurrentPlayer(state game.State) int {
	return len(state.(*toyState).moves) % 2
}

func (r *toyRules) Apply(state game.State, action game.Action) game.Outcome {
	s := state.(*toyState)
	s.moves = append(s.moves, int8(action))
	return r.Outcome(s)
}

func (r *toyRules) Outcome(state game.State) game.Outcome {
	s := state.(*toyState)
	if len(s.moves) >= r.depth {
		return r.outcome(s.moves)
	}
	return game.NonTerminalOutcome(2)
}

func (r *toyRules) CanonicalKey(state game.State) string {
	s := state.(*toyState)
	if r.keyFn != nil {
		return r.keyFn(s.moves)
	}
	return fmt.Sprint(s.moves)
}

func (r *toyRules) Symmetries(game.State) game.ActionMask {
	mask := game.NewActionMask(1)
	mask.Set(0)
	return mask
}

// toyTensorizor encodes the move history; there is a single (identity)
// symmetry.
type toyTensorizor struct {
	depth int
}

func (t *toyTensorizor) Shape() []int { return []int{t.depth} }

func (t *toyTensorizor) Tensorize(state game.State, out []float32) {
	s := state.(*toyState)
	for i := range out {
		out[i] = 0
	}
	for i, mv := range s.moves {
		if i < len(out) {
			out[i] = float32(mv) + 1
		}
	}
}

func (t *toyTensorizor) TransformInput(int, []float32)  {}
func (t *toyTensorizor) TransformPolicy(int, []float32) {}

// newToyContext builds a treeContext plus lookup table over toy rules.
func newToyContext(rules *toyRules) *treeContext {
	return &treeContext{
		rules:      rules,
		numPlayers: 2,
		table:      NewLookupTable(),
	}
}
