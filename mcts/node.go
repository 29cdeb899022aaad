package mcts

import (
	"sync"
	"sync/atomic"

	"golang.org/x/exp/rand"

	"github.com/rootplusdev/AlphaZeroArcade/game"
	"github.com/rootplusdev/AlphaZeroArcade/inference"
)

type evalState int32

const (
	evalUnset evalState = iota
	evalPending
	evalSet
)

// treeContext carries the immutable collaborators every node needs.
type treeContext struct {
	rules                 game.Rules
	numPlayers            int
	applyRandomSymmetries bool
	table                 *LookupTable
}

// stableData is written once at construction.
type stableData struct {
	parent             *Node
	action             game.Action
	disableExploration bool
}

// lazyData is written once, under lazyMu, the first time the node is
// visited.
type lazyData struct {
	state         game.State
	outcome       game.Outcome
	validActions  game.ActionMask
	currentPlayer int
	symIndex      int
	moveNumber    int
	key           string
}

// nodeStats holds the per-node aggregates, guarded by statsMu.
//
// valueAvg is the mean backpropagated value per player on [0,1]. vFloor is a
// per-player lower bound on the outcome, propagated from children.
// effectiveValueAvg equals vFloor once the outcome is certain, else
// valueAvg.
type nodeStats struct {
	valueAvg          []float32
	effectiveValueAvg []float32
	vFloor            []float32
	count             int32
	virtualCount      int32
	eliminated        bool
}

const certainOutcomeEps = 1e-5

func newNodeStats(numPlayers int) nodeStats {
	return nodeStats{
		valueAvg:          make([]float32, numPlayers),
		effectiveValueAvg: make([]float32, numPlayers),
		vFloor:            make([]float32, numPlayers),
	}
}

// hasCertainOutcome reports whether the players' lower bounds jointly cover
// the simplex.
func (s *nodeStats) hasCertainOutcome() bool {
	var sum float32
	for _, v := range s.vFloor {
		sum += v
	}
	return sum > 1-certainOutcomeEps
}

// canBeEliminated reports a proven non-draw terminal best-play outcome.
func (s *nodeStats) canBeEliminated() bool {
	for _, v := range s.vFloor {
		if v == 1 {
			return true
		}
	}
	return false
}

// effectiveCount is the visit count with in-flight virtual visits excluded;
// eliminated nodes contribute no effective visits.
func (s *nodeStats) effectiveCount() int32 {
	if s.eliminated {
		return 0
	}
	return s.count - s.virtualCount
}

// refreshEffective recomputes effectiveValueAvg. Caller holds statsMu.
func (s *nodeStats) refreshEffective() {
	if s.hasCertainOutcome() {
		copy(s.effectiveValueAvg, s.vFloor)
	} else {
		copy(s.effectiveValueAvg, s.valueAvg)
	}
}

// childSlot is one per-action entry of a node's child table. The slot keeps
// its own action: its node pointer can be redirected when the lazily
// initialized child turns out to transpose a symmetric sibling, after which
// both slots share one node (and hence one set of statistics).
type childSlot struct {
	action game.Action
	node   atomic.Pointer[Node]
}

// Node is one game state reached in search. Field groups have distinct
// write lifecycles; see the group types for the locking discipline.
type Node struct {
	ctx    *treeContext
	stable stableData

	lazyMu      sync.Mutex
	initialized atomic.Bool
	lazy        lazyData

	// sharedWith redirects to the canonical node when lazy initialization
	// discovered that a symmetric sibling already holds this state.
	sharedWith atomic.Pointer[Node]

	// children points at the per-action slot array, in ascending action
	// order, bijective with the on-bits of lazy.validActions. Published with
	// release semantics; a nil pointer means "no children". The array is
	// structurally immutable after publication; only slot node pointers may
	// be redirected to a transposed sibling's node.
	children atomic.Pointer[[]childSlot]

	evalMu        sync.Mutex
	evalCond      *sync.Cond
	evaluation    *inference.Evaluation
	localPolicy   []float32
	evalStateV    evalState
	fullyAnalyzed game.ActionMask

	statsMu sync.Mutex
	stats   nodeStats
}

// initNode wires the in-place constructor parts of a node.
func (n *Node) initNode(ctx *treeContext, parent *Node, action game.Action, disableExploration bool) {
	n.ctx = ctx
	n.stable = stableData{parent: parent, action: action, disableExploration: disableExploration}
	n.evalCond = sync.NewCond(&n.evalMu)
	n.stats = newNodeStats(ctx.numPlayers)
}

// newRootNode builds a fully initialized root for state.
func newRootNode(ctx *treeContext, state game.State, outcome game.Outcome, disableExploration bool, moveNumber int, rng *rand.Rand) *Node {
	n := &Node{}
	n.initNode(ctx, nil, -1, disableExploration)
	n.lazy = lazyData{
		state:         state,
		outcome:       outcome,
		validActions:  ctx.rules.LegalMoves(state),
		currentPlayer: ctx.rules.CurrentPlayer(state),
		moveNumber:    moveNumber,
		key:           ctx.rules.CanonicalKey(state),
	}
	n.lazy.symIndex = chooseSymmetry(ctx, state, rng)
	n.fullyAnalyzed = n.lazy.validActions.Complement()
	n.initialized.Store(true)
	return n
}

func chooseSymmetry(ctx *treeContext, state game.State, rng *rand.Rand) int {
	if !ctx.applyRandomSymmetries {
		return 0
	}
	return ctx.rules.Symmetries(state).ChooseRandomOnIndex(rng)
}

func (n *Node) parent() *Node       { return n.stable.parent }
func (n *Node) action() game.Action { return n.stable.action }
func (n *Node) isRoot() bool        { return n.stable.parent == nil }

// lazyInit derives and stores the node's game state from its parent on
// first visit, and returns the canonical node for that state: when the
// lookup table reports that a symmetric sibling already owns the state's
// canonical key, the parent's slot is redirected to the sibling's node and
// that node is returned instead, so transposed edges share one node.
func (n *Node) lazyInit(rng *rand.Rand) *Node {
	if n.initialized.Load() {
		if s := n.sharedWith.Load(); s != nil {
			return s
		}
		return n
	}
	n.lazyMu.Lock()
	defer n.lazyMu.Unlock()
	if n.initialized.Load() {
		if s := n.sharedWith.Load(); s != nil {
			return s
		}
		return n
	}

	par := n.stable.parent
	state := par.lazy.state.Clone()
	outcome := n.ctx.rules.Apply(state, n.stable.action)
	n.lazy = lazyData{
		state:         state,
		outcome:       outcome,
		validActions:  n.ctx.rules.LegalMoves(state),
		currentPlayer: n.ctx.rules.CurrentPlayer(state),
		moveNumber:    par.lazy.moveNumber + 1,
		key:           n.ctx.rules.CanonicalKey(state),
	}
	n.lazy.symIndex = chooseSymmetry(n.ctx, state, rng)

	if n.ctx.table != nil {
		if shared := n.ctx.table.Register(n.lazy.moveNumber, n.lazy.key, n); shared != n {
			// Adopt the registered node only when it hangs off the same
			// parent (a symmetric sibling). Backprop walks single parent
			// links, so adopting across parents would route this edge's
			// visits up a foreign path and orphan them after a re-rooting.
			if shared.stable.parent == par {
				n.sharedWith.Store(shared)
				par.swapChild(n.stable.action, shared)
				n.initialized.Store(true)
				return shared
			}
		}
	}

	n.evalMu.Lock()
	n.fullyAnalyzed = n.lazy.validActions.Complement()
	n.evalMu.Unlock()

	n.initialized.Store(true)
	return n
}

// expandChildren allocates the per-action slot array, one fresh child per
// legal action in ascending order, and publishes it. The caller must hold
// the node's evalMu, which makes it the single preparing thread.
func (n *Node) expandChildren() {
	if n.children.Load() != nil {
		return
	}
	on := n.lazy.validActions.OnIndices()
	slab := make([]childSlot, len(on))
	for i, a := range on {
		c := &Node{}
		c.initNode(n.ctx, n, game.Action(a), false)
		slab[i].action = game.Action(a)
		slab[i].node.Store(c)
	}
	n.children.Store(&slab)
}

// numChildren returns the published slot count (0 before publication).
func (n *Node) numChildren() int {
	slab := n.children.Load()
	if slab == nil {
		return 0
	}
	return len(*slab)
}

// child returns the node currently held by the i-th slot.
func (n *Node) child(i int) *Node {
	slab := n.children.Load()
	return (*slab)[i].node.Load()
}

// childAction returns the action of the i-th slot. Distinct from
// child(i).action() once a slot has been redirected to a transposed
// sibling's node.
func (n *Node) childAction(i int) game.Action {
	slab := n.children.Load()
	return (*slab)[i].action
}

// findChild scans the sorted slot array for action.
func (n *Node) findChild(action game.Action) *Node {
	slab := n.children.Load()
	if slab == nil {
		return nil
	}
	for i := range *slab {
		if (*slab)[i].action == action {
			return (*slab)[i].node.Load()
		}
	}
	return nil
}

// swapChild redirects the slot for action to repl.
func (n *Node) swapChild(action game.Action, repl *Node) {
	slab := n.children.Load()
	if slab == nil {
		return
	}
	for i := range *slab {
		if (*slab)[i].action == action {
			(*slab)[i].node.Store(repl)
			return
		}
	}
}

// makeVirtualLoss is the transient value charged to the node's current
// player while an evaluation is in flight.
func (n *Node) makeVirtualLoss() []float32 {
	loss := make([]float32, n.ctx.numPlayers)
	loss[n.lazy.currentPlayer] = 1.0 / float32(n.ctx.numPlayers-1)
	return loss
}

// backprop folds outcome into the running averages along the path to the
// root.
func (n *Node) backprop(outcome game.Outcome) {
	n.statsMu.Lock()
	st := &n.stats
	c := float32(st.count)
	for p := range st.valueAvg {
		st.valueAvg[p] = (st.valueAvg[p]*c + outcome[p]) / (c + 1)
	}
	st.count++
	st.refreshEffective()
	n.statsMu.Unlock()

	if par := n.parent(); par != nil {
		par.backprop(outcome)
	}
}

// virtualBackprop charges a virtual loss along the path to the root to
// discourage other threads from racing down the same line.
func (n *Node) virtualBackprop() {
	loss := n.makeVirtualLoss()
	n.statsMu.Lock()
	st := &n.stats
	c := float32(st.count)
	for p := range st.valueAvg {
		st.valueAvg[p] = (st.valueAvg[p]*c + loss[p]) / (c + 1)
	}
	st.count++
	st.virtualCount++
	st.refreshEffective()
	n.statsMu.Unlock()

	if par := n.parent(); par != nil {
		par.virtualBackprop()
	}
}

// backpropWithVirtualUndo applies the real value while undoing the prior
// virtual-loss contribution at each node on the path. The count is
// unchanged: the virtual visit converts into the real one.
func (n *Node) backpropWithVirtualUndo(value []float32) {
	loss := n.makeVirtualLoss()
	n.statsMu.Lock()
	st := &n.stats
	c := float32(st.count)
	for p := range st.valueAvg {
		st.valueAvg[p] += (value[p] - loss[p]) / c
	}
	st.virtualCount--
	st.refreshEffective()
	n.statsMu.Unlock()

	if par := n.parent(); par != nil {
		par.backpropWithVirtualUndo(value)
	}
}

// performEliminations tightens the node's V-floor bounds from its children
// (or from its own outcome at a terminal) and, when the bounds prove a
// non-draw result, marks the node eliminated and recurses to the parent.
func (n *Node) performEliminations(outcome game.Outcome) {
	vFloor := make([]float32, n.ctx.numPlayers)
	if n.lazy.outcome.IsTerminal() {
		copy(vFloor, n.lazy.outcome)
	} else {
		numChildren := n.numChildren()
		if numChildren == 0 {
			return
		}
		cp := n.lazy.currentPlayer
		for p := 0; p < n.ctx.numPlayers; p++ {
			if p == cp {
				vFloor[p] = n.maxVFloorAmongChildren(p)
			} else {
				vFloor[p] = n.minVFloorAmongChildren(p)
			}
		}
	}

	recurse := false
	n.statsMu.Lock()
	copy(n.stats.vFloor, vFloor)
	n.stats.refreshEffective()
	if n.stats.canBeEliminated() {
		n.stats.eliminated = true
		recurse = n.parent() != nil
	}
	n.statsMu.Unlock()

	if recurse {
		n.parent().performEliminations(outcome)
	}
}

func (n *Node) maxVFloorAmongChildren(p int) float32 {
	maxV := float32(0)
	for i := 0; i < n.numChildren(); i++ {
		c := n.child(i)
		c.statsMu.Lock()
		if v := c.stats.vFloor[p]; v > maxV {
			maxV = v
		}
		c.statsMu.Unlock()
	}
	return maxV
}

func (n *Node) minVFloorAmongChildren(p int) float32 {
	minV := float32(1)
	for i := 0; i < n.numChildren(); i++ {
		c := n.child(i)
		c.statsMu.Lock()
		if v := c.stats.vFloor[p]; v < minV {
			minV = v
		}
		c.statsMu.Unlock()
	}
	return minV
}

// markFullyAnalyzed records that this node's subtree is proven terminal by
// toggling the corresponding bits in the parent's mask, propagating upward
// once the parent's mask covers all legal actions. Every slot redirected to
// this node is covered, so a shared sibling analyzes both actions at once.
func (n *Node) markFullyAnalyzed() {
	par := n.parent()
	if par == nil {
		return
	}
	par.evalMu.Lock()
	if slab := par.children.Load(); slab != nil {
		for i := range *slab {
			if (*slab)[i].node.Load() == n {
				par.fullyAnalyzed.Set(int((*slab)[i].action))
			}
		}
	} else {
		par.fullyAnalyzed.Set(int(n.stable.action))
	}
	full := par.fullyAnalyzed.All()
	par.evalMu.Unlock()
	if !full {
		return
	}
	par.markFullyAnalyzed()
}

// getEffectiveCounts returns the per-action effective visit counts over the
// global action space. Slots sharing a transposed node each report the
// shared statistic. For an eliminated node, only the children proving the
// best outcome count, as an indicator.
func (n *Node) getEffectiveCounts() []float32 {
	n.statsMu.Lock()
	eliminated := n.stats.eliminated
	n.statsMu.Unlock()

	counts := make([]float32, n.ctx.rules.NumGlobalActions())
	slab := n.children.Load()
	if slab == nil {
		return counts
	}

	cp := n.lazy.currentPlayer
	if eliminated {
		maxVFloor := n.maxVFloorAmongChildren(cp)
		for i := range *slab {
			c := (*slab)[i].node.Load()
			c.statsMu.Lock()
			if c.stats.vFloor[cp] == maxVFloor {
				counts[(*slab)[i].action] = 1
			}
			c.statsMu.Unlock()
		}
		return counts
	}
	for i := range *slab {
		c := (*slab)[i].node.Load()
		c.statsMu.Lock()
		counts[(*slab)[i].action] = float32(c.stats.effectiveCount())
		c.statsMu.Unlock()
	}
	return counts
}

// statsSnapshot copies the stats under the lock.
func (n *Node) statsSnapshot() nodeStats {
	n.statsMu.Lock()
	defer n.statsMu.Unlock()
	cp := nodeStats{
		valueAvg:          append([]float32(nil), n.stats.valueAvg...),
		effectiveValueAvg: append([]float32(nil), n.stats.effectiveValueAvg...),
		vFloor:            append([]float32(nil), n.stats.vFloor...),
		count:             n.stats.count,
		virtualCount:      n.stats.virtualCount,
		eliminated:        n.stats.eliminated,
	}
	return cp
}

// detachForRoot returns a standalone copy of n suitable as a new root: the
// parent link is severed and the published slot array is re-parented to
// the copy. The original n can then be released.
func (n *Node) detachForRoot() *Node {
	root := &Node{}
	root.initNode(n.ctx, nil, n.stable.action, n.stable.disableExploration)

	n.lazyMu.Lock()
	root.lazy = n.lazy
	n.lazyMu.Unlock()
	root.initialized.Store(true)

	n.evalMu.Lock()
	root.evaluation = n.evaluation
	root.localPolicy = n.localPolicy
	root.evalStateV = n.evalStateV
	root.fullyAnalyzed = n.fullyAnalyzed.Clone()
	n.evalMu.Unlock()

	n.statsMu.Lock()
	copy(root.stats.valueAvg, n.stats.valueAvg)
	copy(root.stats.effectiveValueAvg, n.stats.effectiveValueAvg)
	copy(root.stats.vFloor, n.stats.vFloor)
	root.stats.count = n.stats.count
	root.stats.virtualCount = n.stats.virtualCount
	root.stats.eliminated = n.stats.eliminated
	n.statsMu.Unlock()

	root.children.Store(n.children.Load())
	root.adoptChildren()
	if n.ctx.table != nil && root.lazy.state != nil {
		n.ctx.table.Replace(root.lazy.moveNumber, root.lazy.key, root)
	}
	return root
}

// adoptChildren points every published child's parent link at n.
func (n *Node) adoptChildren() {
	slab := n.children.Load()
	if slab == nil {
		return
	}
	for i := range *slab {
		(*slab)[i].node.Load().stable.parent = n
	}
}

// release unlinks the subtree rooted at n so the collector can reclaim it,
// skipping the subtree rooted at protect. A node shared by redirected
// sibling slots is visited twice; the second visit finds its slots already
// cleared.
func (n *Node) release(protect *Node) {
	slab := n.children.Load()
	if slab == nil {
		return
	}
	for i := range *slab {
		c := (*slab)[i].node.Load()
		if c != nil && c != protect {
			c.release(protect)
			c.stable.parent = nil
		}
	}
	n.children.Store(nil)
}
