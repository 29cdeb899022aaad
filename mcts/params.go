// Package mcts implements a parallel Monte Carlo tree search over a shared
// in-memory tree, guided by a batched neural-network evaluation service.
package mcts

import (
	"fmt"
	"time"

	"github.com/rootplusdev/AlphaZeroArcade/inference"
)

// ParamsMode selects a default parameter profile.
type ParamsMode int

const (
	// ModeTraining enables the explorative settings used for self-play data
	// generation: Dirichlet noise, forced playouts, and a decaying root
	// softmax temperature.
	ModeTraining ParamsMode = iota
	// ModeCompetitive disables exploration noise for maximum strength.
	ModeCompetitive
)

// ManagerParams configures a Manager.
type ManagerParams struct {
	// NumSearchThreads is the number of parallel tree walkers (>= 1).
	// EnablePondering requires >= 2.
	NumSearchThreads int

	// BatchSizeLimit is the maximum NN batch fill before flushing.
	BatchSizeLimit int

	// NNEvalTimeout is the maximum wait from the first batch reservation to
	// the flush.
	NNEvalTimeout time.Duration

	// CacheSize is the evaluation LRU capacity.
	CacheSize int

	// ModelFilename locates the network artifact. Empty means no network:
	// a uniform-policy, uniform-value surrogate is used instead.
	ModelFilename string

	CPUCT float32
	CFPU  float32

	// DirichletMult mixes root noise into the policy prior; the
	// concentration is DirichletAlphaFactor / sqrt(num legal actions).
	DirichletMult        float64
	DirichletAlphaFactor float64

	// RootSoftmaxTemperature is a decay-schedule expression over the move
	// number, e.g. "1.4->1.1:2*sqrt(b)" or a plain constant "1".
	RootSoftmaxTemperature string

	// KForced scales the forced-playout count sqrt(P * KForced * sum(N)).
	KForced float32

	EnablePondering        bool
	PonderingTreeSizeLimit int

	// SpeculativeEvals lets a thread that finds a node's evaluation pending
	// do a unit of work in an unanalyzed child before it waits for the
	// evaluation.
	SpeculativeEvals bool

	ForcedPlayouts         bool
	EnableFirstPlayUrgency bool
	AvoidProvenLosers      bool
	ExploitProvenWinners   bool

	// ApplyRandomSymmetries randomizes the internal symmetry index per node;
	// false pins it to the identity for determinism.
	ApplyRandomSymmetries bool

	DisableEliminations bool

	// Seed feeds the manager-held RNG sequence from which per-thread RNGs
	// are derived.
	Seed uint64
}

// DefaultManagerParams returns the standard profile for mode.
func DefaultManagerParams(mode ParamsMode, modelFilename string) ManagerParams {
	p := ManagerParams{
		NumSearchThreads:       8,
		BatchSizeLimit:         inference.DefaultBatchSizeLimit,
		NNEvalTimeout:          inference.DefaultTimeout,
		CacheSize:              inference.DefaultCacheSize,
		ModelFilename:          modelFilename,
		CPUCT:                  1.1,
		CFPU:                   0.2,
		DirichletMult:          0.25,
		DirichletAlphaFactor:   0.57,
		RootSoftmaxTemperature: "1.4->1.1:2*sqrt(b)",
		KForced:                2.0,
		PonderingTreeSizeLimit: 4096,
		SpeculativeEvals:       true,
		ForcedPlayouts:         true,
		EnableFirstPlayUrgency: true,
		ApplyRandomSymmetries:  true,
		Seed:                   1,
	}
	if mode == ModeCompetitive {
		p.DirichletMult = 0
		p.DirichletAlphaFactor = 0
		p.ForcedPlayouts = false
		p.RootSoftmaxTemperature = "1"
	}
	return p
}

// Validate reports configuration errors. These are fatal to Manager
// construction.
func (p *ManagerParams) Validate() error {
	if p.NumSearchThreads < 1 {
		return fmt.Errorf("mcts: num search threads must be positive (%d)", p.NumSearchThreads)
	}
	if p.EnablePondering && p.NumSearchThreads == 1 {
		return fmt.Errorf("mcts: pondering does not work with only 1 search thread")
	}
	return nil
}

// SearchParams configures one Search call.
type SearchParams struct {
	TreeSizeLimit int

	// DisableExploration turns off Dirichlet noise and root softmax
	// tempering for this call.
	DisableExploration bool
}

// makePonderingParams returns the params used for searches between move
// submissions.
func makePonderingParams(limit int) SearchParams {
	return SearchParams{TreeSizeLimit: limit, DisableExploration: true}
}
