package mcts

import (
	"math"
)

const puctEps = 1e-6 // needed when N == 0

// puctStats gathers the per-child quantities the PUCT selection rule and
// target pruning need: prior P, (virtualized) value V, effective count N,
// virtual count VN, eliminated flag E, and the PUCT score itself.
type puctStats struct {
	cp   int
	P    []float32
	V    []float32
	N    []float32
	VN   []float32
	E    []float32
	PUCT []float32
}

// newPUCTStats snapshots node's children and scores them.
//
// Values are on [0,1]; AlphaZero/KataGo use [-1,+1]. V is doubled in the
// score to keep cPUCT on the conventional scale.
func newPUCTStats(params *ManagerParams, searchParams *SearchParams, node *Node, isRoot bool) *puctStats {
	node.evalMu.Lock()
	localPolicy := node.localPolicy
	node.evalMu.Unlock()

	numChildren := node.numChildren()
	s := &puctStats{
		cp:   node.lazy.currentPlayer,
		P:    make([]float32, numChildren),
		V:    make([]float32, numChildren),
		N:    make([]float32, numChildren),
		VN:   make([]float32, numChildren),
		E:    make([]float32, numChildren),
		PUCT: make([]float32, numChildren),
	}
	copy(s.P, localPolicy)

	children := make([]*Node, numChildren)
	fpuBits := make([]bool, numChildren)
	anyFPU := false
	for c := 0; c < numChildren; c++ {
		child := node.child(c)
		children[c] = child
		child.statsMu.Lock()
		s.V[c] = child.stats.effectiveValueAvg[s.cp]
		s.N[c] = float32(child.stats.effectiveCount())
		s.VN[c] = float32(child.stats.virtualCount)
		if child.stats.eliminated {
			s.E[c] = 1
		}
		child.statsMu.Unlock()

		if s.N[c] == 0 {
			fpuBits[c] = true
			anyFPU = true
		}
	}

	// Fold transposed siblings onto their representative: the lowest slot
	// holding each distinct node absorbs the group's prior; the other slots
	// are silenced so selection sees one live entry per group and the
	// shared visits are not double counted in sum(N).
	rep := map[*Node]int{}
	for c, child := range children {
		if r, ok := rep[child]; ok {
			s.P[r] += s.P[c]
			s.P[c] = 0
			s.N[c] = 0
			s.VN[c] = 0
			fpuBits[c] = false
		} else {
			rep[child] = c
		}
	}

	if params.EnableFirstPlayUrgency && anyFPU {
		node.statsMu.Lock()
		pv := node.stats.effectiveValueAvg[s.cp]
		node.statsMu.Unlock()

		disableFPU := isRoot && params.DirichletMult > 0 && !searchParams.DisableExploration
		cFPU := params.CFPU
		if disableFPU {
			cFPU = 0
		}
		var visitedPriorSum float32
		for c := 0; c < numChildren; c++ {
			if s.N[c] > 0 {
				visitedPriorSum += s.P[c]
			}
		}
		v := pv - cFPU*float32(math.Sqrt(float64(visitedPriorSum)))
		for c := 0; c < numChildren; c++ {
			if fpuBits[c] {
				s.V[c] = v
			}
		}
	}

	var nSum float32
	for _, n := range s.N {
		nSum += n
	}
	sqrtN := float32(math.Sqrt(float64(nSum + puctEps)))
	for c := 0; c < numChildren; c++ {
		s.PUCT[c] = 2*s.V[c] + params.CPUCT*s.P[c]*sqrtN/(s.N[c]+1)
	}
	return s
}

func (s *puctStats) nSum() float32 {
	var sum float32
	for _, n := range s.N {
		sum += n
	}
	return sum
}

func (s *puctStats) puctMax() float32 {
	maxV := float32(math.Inf(-1))
	for _, v := range s.PUCT {
		if v > maxV {
			maxV = v
		}
	}
	return maxV
}

// argmax breaks ties by lowest index.
func argmax(xs []float32) int {
	best := 0
	for i := 1; i < len(xs); i++ {
		if xs[i] > xs[best] {
			best = i
		}
	}
	return best
}
