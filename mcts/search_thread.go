package mcts

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/rootplusdev/AlphaZeroArcade/game"
	"github.com/rootplusdev/AlphaZeroArcade/inference"
)

// maxSpeculationDepth bounds the recursion of speculative evaluation so a
// long chain of pending nodes cannot grow the stack pathologically.
const maxSpeculationDepth = 16

// searchThread is one tree walker. Each carries its own RNG so Dirichlet
// noise and symmetry sampling are reproducible from the manager's seed
// sequence.
type searchThread struct {
	m         *Manager
	id        int
	src       rand.Source
	rng       *rand.Rand
	sp        SearchParams
	specDepth int
}

type evalResult struct {
	evaluation         *inference.Evaluation
	performedExpansion bool
}

func newSearchThread(m *Manager, id int, seed uint64) *searchThread {
	src := rand.NewSource(seed)
	return &searchThread{
		m:   m,
		id:  id,
		src: src,
		rng: rand.New(src),
	}
}

// run repeatedly descends from the root until the budget is hit, the root
// is proven, or the manager deactivates the search.
func (t *searchThread) run(sp SearchParams) {
	t.sp = sp
	for t.needsMoreVisits(sp.TreeSizeLimit) {
		if err := t.visit(t.m.root, 1); err != nil {
			t.m.recordSearchError(err)
			break
		}
	}
	t.m.threadDone()
}

func (t *searchThread) needsMoreVisits(treeSizeLimit int) bool {
	if !t.m.searchActive.Load() {
		return false
	}
	root := t.m.root
	root.statsMu.Lock()
	count := root.stats.effectiveCount()
	eliminated := root.stats.eliminated
	root.statsMu.Unlock()
	return int(count) <= treeSizeLimit && !eliminated
}

// visit performs one selection/expansion/backprop step at node. Lazy
// initialization may reveal the node transposes a symmetric sibling, in
// which case the visit continues on the shared node.
func (t *searchThread) visit(node *Node, depth int) error {
	node = node.lazyInit(t.rng)
	outcome := node.lazy.outcome
	if outcome.IsTerminal() {
		node.backprop(outcome)
		if !t.m.params.DisableEliminations {
			node.performEliminations(outcome)
		}
		node.markFullyAnalyzed()
		return nil
	}

	if !t.m.searchActive.Load() {
		return nil
	}

	data, err := t.evaluateAndExpand(node, false)
	if err != nil {
		return err
	}

	if data.performedExpansion {
		node.backpropWithVirtualUndo(data.evaluation.Value())
		return nil
	}
	best := t.getBestChild(node, data.evaluation)
	return t.visit(best, depth+1)
}

// evaluateAndExpand resolves the node's evaluation state.
//
//   - Unset: this thread becomes the preparer: it expands children, marks
//     the node pending, charges virtual loss (non-speculative callers
//     only), requests the evaluation, and
//     publishes policy + evaluation as Set.
//   - Pending: another thread is evaluating. With speculative evals on, do
//     useful work in an unanalyzed child; a non-speculative caller then
//     waits for Set.
//   - Set: nothing to do.
func (t *searchThread) evaluateAndExpand(node *Node, speculative bool) (evalResult, error) {
	node.evalMu.Lock()
	data := evalResult{evaluation: node.evaluation}

	switch node.evalStateV {
	case evalUnset:
		err := t.evaluateAndExpandUnset(node, speculative, &data)
		node.evalCond.Broadcast()
		node.evalMu.Unlock()
		return data, err

	case evalPending:
		if t.m.params.SpeculativeEvals {
			if err := t.evaluateAndExpandPending(node); err != nil {
				return data, err
			}
			if speculative {
				return data, nil
			}
			node.evalMu.Lock()
		}
		for node.evalStateV != evalSet {
			node.evalCond.Wait()
		}
		data.evaluation = node.evaluation
	}
	node.evalMu.Unlock()
	return data, nil
}

// evaluateAndExpandUnset is called with evalMu held and returns with it
// held.
func (t *searchThread) evaluateAndExpandUnset(node *Node, speculative bool, data *evalResult) error {
	node.expandChildren()
	data.performedExpansion = true
	node.evalStateV = evalPending
	node.evalMu.Unlock()

	if !speculative {
		node.virtualBackprop()
	}

	isRoot := node.isRoot()
	explore := isRoot && !t.sp.DisableExploration && !node.stable.disableExploration
	invTemp := float32(1)
	if explore {
		invTemp = float32(1 / t.m.temperature.Value())
	}

	var eval *inference.Evaluation
	usedCache := false
	if t.m.service == nil {
		eval = inference.NewUniformEvaluation(t.m.ctx.numPlayers, node.lazy.validActions)
	} else {
		resp, err := t.m.service.Evaluate(inference.Request{
			State:        node.lazy.state,
			ValidActions: node.lazy.validActions,
			SymIndex:     node.lazy.symIndex,
			InvTemp:      invTemp,
		})
		if err != nil {
			// Publish a surrogate so threads parked on evalCond can make
			// progress; the error aborts the search at the manager level.
			node.evalMu.Lock()
			fallback := inference.NewUniformEvaluation(t.m.ctx.numPlayers, node.lazy.validActions)
			node.localPolicy = inference.Softmax(fallback.LocalPolicyLogits())
			node.evaluation = fallback
			node.evalStateV = evalSet
			data.evaluation = fallback
			return err
		}
		eval = resp.Eval
		usedCache = resp.UsedCache
	}

	if t.m.params.SpeculativeEvals && speculative && usedCache {
		// A cache hit during speculation did not feed the batch; pick up
		// another unit so the service still saturates.
		node.evalMu.Lock()
		if node.evalStateV == evalPending {
			if err := t.evaluateAndExpandPending(node); err != nil {
				node.evalMu.Lock()
				return err
			}
		} else {
			node.evalMu.Unlock()
		}
	}

	node.evalMu.Lock()
	policy := inference.Softmax(eval.LocalPolicyLogits())
	if explore {
		if t.m.params.DirichletMult > 0 {
			t.addDirichletNoise(policy)
		}
		temperPolicy(policy, invTemp)
	}
	node.localPolicy = policy
	node.evaluation = eval
	node.evalStateV = evalSet
	data.evaluation = eval
	return nil
}

// evaluateAndExpandPending is called with evalMu held and releases it:
// while another thread evaluates this node, descend into a child that is
// not yet fully analyzed (child 0 if every child is) and do a speculative
// unit of work there.
func (t *searchThread) evaluateAndExpandPending(node *Node) error {
	if t.specDepth >= maxSpeculationDepth {
		node.evalMu.Unlock()
		return nil
	}
	var child *Node
	if node.fullyAnalyzed.All() {
		child = node.child(0)
		node.evalMu.Unlock()
	} else {
		action := node.fullyAnalyzed.ChooseRandomOffIndex(t.rng)
		node.evalMu.Unlock()
		child = node.findChild(game.Action(action))
	}
	if child == nil {
		return nil
	}

	t.specDepth++
	defer func() { t.specDepth-- }()

	child = child.lazyInit(t.rng)
	outcome := child.lazy.outcome
	if outcome.IsTerminal() {
		if !t.m.params.DisableEliminations {
			child.performEliminations(outcome)
		}
		child.markFullyAnalyzed()
		return nil
	}
	_, err := t.evaluateAndExpand(child, true)
	return err
}

// getBestChild scores the children with PUCT and returns the argmax,
// applying forced playouts at a noisy root and skipping eliminated or
// proven-losing children.
func (t *searchThread) getBestChild(node *Node, eval *inference.Evaluation) *Node {
	isRoot := node.isRoot()
	stats := newPUCTStats(&t.m.params, &t.sp, node, isRoot)

	addNoise := !t.sp.DisableExploration && t.m.params.DirichletMult > 0
	if t.m.params.ForcedPlayouts && addNoise && isRoot {
		nSum := stats.nSum()
		for c := range stats.PUCT {
			nForced := float32(math.Sqrt(float64(stats.P[c] * t.m.params.KForced * nSum)))
			if stats.N[c] > 0 && stats.N[c] < nForced {
				stats.PUCT[c] = float32(math.Inf(1))
			}
		}
	}

	cp := stats.cp
	for c := range stats.PUCT {
		stats.PUCT[c] *= 1 - stats.E[c]
	}

	if t.m.params.ExploitProvenWinners {
		for c := range stats.PUCT {
			child := node.child(c)
			child.statsMu.Lock()
			won := child.stats.vFloor[cp] == 1
			child.statsMu.Unlock()
			if won {
				return child
			}
		}
	}
	if t.m.params.AvoidProvenLosers {
		// A child with a certain outcome and a zero floor for cp is a proven
		// loss (or proven non-win) for the player to move; only avoid it if
		// some alternative remains.
		losing := make([]bool, len(stats.PUCT))
		anySafe := false
		for c := range stats.PUCT {
			child := node.child(c)
			child.statsMu.Lock()
			losing[c] = child.stats.hasCertainOutcome() && child.stats.vFloor[cp] == 0
			child.statsMu.Unlock()
			if !losing[c] {
				anySafe = true
			}
		}
		if anySafe {
			for c := range stats.PUCT {
				if losing[c] {
					stats.PUCT[c] = float32(math.Inf(-1))
				}
			}
		}
	}

	return node.child(argmax(stats.PUCT))
}

// addDirichletNoise mixes a Dirichlet draw into the root policy prior. The
// concentration is alphaFactor / sqrt(num legal actions).
func (t *searchThread) addDirichletNoise(policy []float32) {
	n := len(policy)
	if n == 0 {
		return
	}
	alpha := t.m.params.DirichletAlphaFactor / math.Sqrt(float64(n))
	alphas := make([]float64, n)
	for i := range alphas {
		alphas[i] = alpha
	}
	dir := distmv.NewDirichlet(alphas, t.src)
	noise := dir.Rand(nil)

	mult := float32(t.m.params.DirichletMult)
	for i := range policy {
		policy[i] = (1-mult)*policy[i] + mult*float32(noise[i])
	}
}

// temperPolicy raises the distribution to the given inverse temperature and
// renormalizes.
func temperPolicy(policy []float32, invTemp float32) {
	if invTemp == 1 {
		return
	}
	var sum float32
	for i := range policy {
		policy[i] = float32(math.Pow(float64(policy[i]), float64(invTemp)))
		sum += policy[i]
	}
	if sum > 0 {
		for i := range policy {
			policy[i] /= sum
		}
	}
}
