package mcts

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"

	"github.com/rootplusdev/AlphaZeroArcade/game"
	"github.com/rootplusdev/AlphaZeroArcade/inference"
)

// Manager is the entry point for searches. It owns the root, the search
// threads, the lookup table, and the connection to the evaluation service.
//
// The root pointer is read by search threads without locking; it only
// changes while no search thread is running (gated by stopSearchThreads).
type Manager struct {
	params ManagerParams
	rules  game.Rules
	tens   game.Tensorizor

	ctx         *treeContext
	table       *LookupTable
	service     *inference.Service
	temperature *ExponentialDecay
	releaseSvc  *NodeReleaseService

	root       *Node
	moveNumber int

	threads       []*searchThread
	ponderParams  SearchParams
	searchActive  atomic.Bool
	searchMu      sync.Mutex
	searchCond    *sync.Cond
	activeThreads int
	searchErr     error

	rootRng   *rand.Rand
	connected bool
}

// NewManager validates params and builds a manager for the given game
// layer. The ModelFilename, if non-empty, is loaded here into the shared
// per-artifact evaluation service (only when no service exists yet for that
// filename); empty means the uniform surrogate.
func NewManager(rules game.Rules, tens game.Tensorizor, params ManagerParams) (*Manager, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	bindings := map[string]float64{
		"b": float64(rules.NumGlobalActions()),
	}
	temperature, err := ParseExponentialDecay(params.RootSoftmaxTemperature, bindings)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		params:       params,
		rules:        rules,
		tens:         tens,
		table:        NewLookupTable(),
		temperature:  temperature,
		releaseSvc:   sharedReleaseService(),
		ponderParams: makePonderingParams(params.PonderingTreeSizeLimit),
		rootRng:      rand.New(rand.NewSource(params.Seed)),
	}
	m.ctx = &treeContext{
		rules:                 rules,
		numPlayers:            rules.NumPlayers(),
		applyRandomSymmetries: params.ApplyRandomSymmetries,
		table:                 m.table,
	}
	m.searchCond = sync.NewCond(&m.searchMu)

	if params.ModelFilename != "" {
		svc, err := inference.NewService(rules, tens, inference.ServiceParams{
			ModelFilename:  params.ModelFilename,
			BatchSizeLimit: params.BatchSizeLimit,
			Timeout:        params.NNEvalTimeout,
			CacheSize:      params.CacheSize,
		}, func() (inference.Model, error) {
			return inference.NewOnnxModel(params.ModelFilename, tens.Shape(),
				rules.NumGlobalActions(), rules.NumPlayers())
		})
		if err != nil {
			return nil, err
		}
		m.service = svc
	}

	for i := 0; i < params.NumSearchThreads; i++ {
		m.threads = append(m.threads, newSearchThread(m, i, params.Seed+uint64(i)+1))
	}
	return m, nil
}

// NewManagerWithService is NewManager with an explicitly provided service,
// for callers that construct the service themselves (tests, pools).
func NewManagerWithService(rules game.Rules, tens game.Tensorizor, params ManagerParams, svc *inference.Service) (*Manager, error) {
	params.ModelFilename = ""
	m, err := NewManager(rules, tens, params)
	if err != nil {
		return nil, err
	}
	m.service = svc
	return m, nil
}

// Params returns the manager's configuration.
func (m *Manager) Params() ManagerParams { return m.params }

// Start clears the tree, resets the temperature schedule, and connects to
// the evaluation service.
func (m *Manager) Start() {
	m.Clear()
	m.temperature.Reset()
	m.moveNumber = 0
	m.ensureConnected()
}

func (m *Manager) ensureConnected() {
	if m.connected {
		return
	}
	if m.service != nil {
		m.service.Connect()
	}
	m.connected = true
}

// Clear stops search threads and releases the whole tree.
func (m *Manager) Clear() {
	m.stopSearchThreads()
	if m.root == nil {
		return
	}
	m.releaseSvc.Release(m.root, nil)
	m.root = nil
	m.table.Clear()
}

// Stop shuts the manager down, disconnecting from the service.
func (m *Manager) Stop() {
	m.Clear()
	if m.connected && m.service != nil {
		m.service.Disconnect()
		m.connected = false
	}
}

// ReceiveStateChange informs the manager that action was played. The
// matching subtree becomes the new root; the rest of the old tree is
// released in the background. With pondering enabled, search resumes
// immediately under the pondering budget.
func (m *Manager) ReceiveStateChange(seat int, state game.State, action game.Action, outcome game.Outcome) {
	m.stopSearchThreads()
	m.temperature.Step()
	m.moveNumber++

	if m.root == nil {
		return
	}

	newRoot := m.root.findChild(action)
	if newRoot == nil {
		m.releaseSvc.Release(m.root, nil)
		m.root = nil
		m.table.ClearBefore(m.moveNumber)
		return
	}

	newRoot = newRoot.lazyInit(m.rootRng)
	rootCopy := newRoot.detachForRoot()
	m.releaseSvc.Release(m.root, newRoot)
	m.root = rootCopy
	m.table.ClearBefore(m.moveNumber)

	if m.params.EnablePondering && !outcome.IsTerminal() {
		m.startSearchThreads(m.ponderParams)
	}
}

// Search runs iterations from state until the tree-size budget is hit and
// returns the root's visit distribution and value estimates.
func (m *Manager) Search(state game.State, sp SearchParams) (*SearchResults, error) {
	m.stopSearchThreads()
	m.ensureConnected()

	addNoise := !sp.DisableExploration && m.params.DirichletMult > 0
	if m.root == nil || addNoise {
		outcome := game.NonTerminalOutcome(m.ctx.numPlayers)
		if reporter, ok := m.rules.(game.OutcomeReporter); ok {
			outcome = reporter.Outcome(state)
		}
		if addNoise {
			// Fresh noise requires a fresh root: noise already mixed into a
			// reused prior cannot be re-drawn.
			if m.root != nil {
				m.releaseSvc.Release(m.root, nil)
			}
			m.root = newRootNode(m.ctx, state.Clone(), outcome,
				sp.DisableExploration, m.moveNumber, m.rootRng)
			m.table.Replace(m.moveNumber, m.root.lazy.key, m.root)
		} else {
			// Without noise the table's node for this state is reusable.
			root := m.table.FetchOrCreate(m.ctx, m.moveNumber, state.Clone(), outcome,
				sp.DisableExploration, m.rootRng)
			if root.parent() != nil {
				root = root.detachForRoot()
			}
			m.root = root
		}
	}

	if m.root.lazy.outcome.IsTerminal() {
		return m.terminalRootResults(), nil
	}

	m.startSearchThreads(sp)
	m.waitForSearchThreads()

	m.searchMu.Lock()
	err := m.searchErr
	m.searchErr = nil
	m.searchMu.Unlock()
	if err != nil {
		return nil, err
	}

	return m.buildResults(sp, addNoise)
}

func (m *Manager) terminalRootResults() *SearchResults {
	outcome := m.root.lazy.outcome
	return &SearchResults{
		ValidActions: m.root.lazy.validActions.Clone(),
		Counts:       make([]float32, m.rules.NumGlobalActions()),
		PolicyPrior:  nil,
		WinRates:     append([]float32(nil), outcome...),
		ValuePrior:   append([]float32(nil), outcome...),
	}
}

func (m *Manager) buildResults(sp SearchParams, addNoise bool) (*SearchResults, error) {
	root := m.root
	counts := root.getEffectiveCounts()

	if m.params.ForcedPlayouts && addNoise && m.service != nil {
		m.pruneCounts(&sp, counts)
	}

	root.evalMu.Lock()
	policyPrior := append([]float32(nil), root.localPolicy...)
	evaluation := root.evaluation
	root.evalMu.Unlock()

	st := root.statsSnapshot()
	for _, c := range counts {
		if c < 0 || isNonFinite32(c) {
			return nil, fmt.Errorf("mcts: invariant violation: bad count %v", c)
		}
	}

	results := &SearchResults{
		ValidActions: root.lazy.validActions.Clone(),
		Counts:       counts,
		PolicyPrior:  policyPrior,
		WinRates:     st.valueAvg,
		Edges:        root.edgeSnapshot(),
	}
	if evaluation != nil {
		results.ValuePrior = append([]float32(nil), evaluation.Value()...)
	}
	return results, nil
}

// pruneCounts reduces forced-playout-inflated counts of non-argmax children
// toward the counts PUCT alone would have produced, yielding a cleaner
// policy training target. On any degenerate output it falls back to the raw
// counts.
func (m *Manager) pruneCounts(sp *SearchParams, counts []float32) {
	root := m.root
	raw := append([]float32(nil), counts...)

	stats := newPUCTStats(&m.params, sp, root, true)
	nSum := stats.nSum()
	puctMax := stats.puctMax()
	sqrtN := float32(math.Sqrt(float64(nSum + puctEps)))

	var nMax float32
	for _, n := range stats.N {
		if n > nMax {
			nMax = n
		}
	}

	for c := range stats.N {
		if stats.N[c] == nMax {
			continue
		}
		denom := puctMax - 2*stats.V[c]
		if denom <= 0 {
			continue
		}
		nFloor := m.params.CPUCT*stats.P[c]*sqrtN/denom - 1
		if isNonFinite32(nFloor) {
			continue
		}
		nForced := float32(math.Sqrt(float64(stats.P[c] * m.params.KForced * nSum)))
		n := nFloor
		if v := stats.N[c] - nForced; v > n {
			n = v
		}
		if n <= 1 {
			n = 0
		}
		counts[root.childAction(c)] = n
	}

	var sum float32
	degenerate := false
	for _, c := range counts {
		if isNonFinite32(c) {
			degenerate = true
			break
		}
		sum += c
	}
	if degenerate || sum <= 0 {
		log.Warn().Msg("mcts: degenerate pruned counts; falling back to raw counts")
		copy(counts, raw)
	}
}

func isNonFinite32(v float32) bool {
	f := float64(v)
	return math.IsNaN(f) || math.IsInf(f, 0)
}

func (m *Manager) startSearchThreads(sp SearchParams) {
	m.searchMu.Lock()
	m.activeThreads = len(m.threads)
	m.searchMu.Unlock()
	m.searchActive.Store(true)
	for _, t := range m.threads {
		go t.run(sp)
	}
}

func (m *Manager) waitForSearchThreads() {
	m.searchMu.Lock()
	for m.activeThreads > 0 {
		m.searchCond.Wait()
	}
	m.searchMu.Unlock()
	m.searchActive.Store(false)
}

// stopSearchThreads deactivates the search and waits until every worker has
// observed the flag at its next iteration boundary.
func (m *Manager) stopSearchThreads() {
	m.searchActive.Store(false)
	m.searchMu.Lock()
	for m.activeThreads > 0 {
		m.searchCond.Wait()
	}
	m.searchMu.Unlock()
}

func (m *Manager) threadDone() {
	m.searchMu.Lock()
	m.activeThreads--
	m.searchMu.Unlock()
	m.searchCond.Broadcast()
}

func (m *Manager) recordSearchError(err error) {
	m.searchMu.Lock()
	if m.searchErr == nil {
		m.searchErr = err
	}
	m.searchMu.Unlock()
	m.searchActive.Store(false)
}

// CacheStats exposes the evaluation service counters, if a service is
// attached.
func (m *Manager) CacheStats() (inference.Stats, bool) {
	if m.service == nil {
		return inference.Stats{}, false
	}
	return m.service.Stats(), true
}
