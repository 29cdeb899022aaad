package mcts

import (
	"sync"

	"golang.org/x/exp/rand"

	"github.com/rootplusdev/AlphaZeroArcade/game"
)

// LookupTable maps (move number, canonical state key) to nodes so that
// transpositions reuse one node. Sharding by move number lets all entries
// from earlier moves be dropped in bulk after a state change.
type LookupTable struct {
	mu     sync.Mutex
	shards map[int]map[string]*Node
}

// NewLookupTable returns an empty table.
func NewLookupTable() *LookupTable {
	return &LookupTable{shards: map[int]map[string]*Node{}}
}

// FetchOrCreate returns the node registered for (moveNumber, state),
// constructing and inserting a fully initialized one if absent.
func (t *LookupTable) FetchOrCreate(ctx *treeContext, moveNumber int, state game.State, outcome game.Outcome, disableExploration bool, rng *rand.Rand) *Node {
	key := ctx.rules.CanonicalKey(state)

	t.mu.Lock()
	defer t.mu.Unlock()
	shard := t.shards[moveNumber]
	if shard == nil {
		shard = map[string]*Node{}
		t.shards[moveNumber] = shard
	}
	if existing, ok := shard[key]; ok {
		return existing
	}
	n := newRootNode(ctx, state, outcome, disableExploration, moveNumber, rng)
	shard[key] = n
	return n
}

// Register records node under (moveNumber, key) and returns the canonical
// holder for that key: node itself if it claimed the slot, or the earlier
// registrant for a transposed sibling.
func (t *LookupTable) Register(moveNumber int, key string, node *Node) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	shard := t.shards[moveNumber]
	if shard == nil {
		shard = map[string]*Node{}
		t.shards[moveNumber] = shard
	}
	if existing, ok := shard[key]; ok {
		return existing
	}
	shard[key] = node
	return node
}

// Replace records node under (moveNumber, key), overwriting any earlier
// registrant. Used when a root is re-created or promoted for a state whose
// previous node has been retired.
func (t *LookupTable) Replace(moveNumber int, key string, node *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	shard := t.shards[moveNumber]
	if shard == nil {
		shard = map[string]*Node{}
		t.shards[moveNumber] = shard
	}
	shard[key] = node
}

// Lookup returns the node registered for (moveNumber, key), if any.
func (t *LookupTable) Lookup(moveNumber int, key string) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	if shard := t.shards[moveNumber]; shard != nil {
		return shard[key]
	}
	return nil
}

// ClearBefore deletes all entries with a strictly smaller move number.
func (t *LookupTable) ClearBefore(moveNumber int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for m := range t.shards {
		if m < moveNumber {
			delete(t.shards, m)
		}
	}
}

// Clear empties the table.
func (t *LookupTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shards = map[int]map[string]*Node{}
}

// Size returns the total number of registered nodes.
func (t *LookupTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, shard := range t.shards {
		total += len(shard)
	}
	return total
}
