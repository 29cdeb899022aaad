package mcts

import (
	"github.com/rootplusdev/AlphaZeroArcade/inference"
)

// Edge is a read-only per-action view of a node's child.
//
// RepresentativeEdge groups symmetric siblings: slots redirected to one
// shared transposed node all point at the lowest such slot index. The
// representative absorbs the group's adjusted prior (the same folding the
// selection code applies), and every member reports the shared node's
// visit statistics.
type Edge struct {
	Action             int
	Count              float32
	VirtualCount       int32
	RawPrior           float32
	AdjustedPrior      float32
	RepresentativeEdge int
}

// edgeSnapshot builds the per-action views of n's children. RawPrior is the
// softmax of the evaluation's local policy logits; AdjustedPrior comes from
// the node's (noised, tempered) local policy.
func (n *Node) edgeSnapshot() []Edge {
	numChildren := n.numChildren()
	if numChildren == 0 {
		return nil
	}

	n.evalMu.Lock()
	var raw, adjusted []float32
	if n.evalStateV == evalSet {
		raw = inference.Softmax(n.evaluation.LocalPolicyLogits())
		adjusted = append([]float32(nil), n.localPolicy...)
	}
	n.evalMu.Unlock()

	edges := make([]Edge, numChildren)
	rep := map[*Node]int{}
	for i := 0; i < numChildren; i++ {
		c := n.child(i)
		st := c.statsSnapshot()
		edges[i] = Edge{
			Action:             int(n.childAction(i)),
			Count:              float32(st.effectiveCount()),
			VirtualCount:       st.virtualCount,
			RepresentativeEdge: i,
		}
		if raw != nil && i < len(raw) {
			edges[i].RawPrior = raw[i]
		}
		if adjusted != nil && i < len(adjusted) {
			edges[i].AdjustedPrior = adjusted[i]
		}
		if r, ok := rep[c]; ok {
			edges[i].RepresentativeEdge = r
		} else {
			rep[c] = i
		}
	}

	// Members of a group already share one node, so Count needs no folding;
	// the representative absorbs the group's adjusted prior.
	for i := range edges {
		if r := edges[i].RepresentativeEdge; r != i {
			edges[r].AdjustedPrior += edges[i].AdjustedPrior
			edges[i].AdjustedPrior = 0
		}
	}
	return edges
}
