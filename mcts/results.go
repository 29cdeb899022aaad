package mcts

import (
	"github.com/rootplusdev/AlphaZeroArcade/game"
)

// SearchResults summarizes the root after a Search call.
type SearchResults struct {
	// ValidActions is the root's legal-action mask.
	ValidActions game.ActionMask

	// Counts is the visit-count distribution over the global action space,
	// raw or target-pruned.
	Counts []float32

	// PolicyPrior is the root policy prior over legal actions in ascending
	// action order (after noise and tempering, if applied).
	PolicyPrior []float32

	// WinRates is the root's mean value per player.
	WinRates []float32

	// ValuePrior is the network's value distribution at the root.
	ValuePrior []float32

	// Edges are per-action snapshot views of the root's children.
	Edges []Edge
}
