// Package inference hosts the batched neural-network evaluation service and
// the model artifacts it drives.
package inference

import (
	"math"

	"github.com/rootplusdev/AlphaZeroArcade/game"
)

// Model is a loadable network artifact. Predict evaluates batchSize stacked
// samples and returns the policy logits (batchSize x numGlobalActions) and
// raw value head (batchSize x numPlayers), both row-major.
type Model interface {
	Predict(input []float32, batchSize int) (policy []float32, value []float32, err error)
	Close() error
}

// Evaluation is an immutable network evaluation of a single position: the
// value distribution over players (softmax of the value head) and the policy
// logits restricted to the position's legal actions, in ascending action
// order. Evaluations are shared by reference between tree nodes and the
// cache.
type Evaluation struct {
	value        []float32
	localLogits  []float32
	validActions game.ActionMask
}

// NewEvaluation builds an Evaluation from a raw value head and global policy
// logits. The policy must already be in the state's canonical frame (i.e.
// any input symmetry already inverted).
func NewEvaluation(valueHead []float32, globalPolicy []float32, valid game.ActionMask) *Evaluation {
	local := make([]float32, 0, valid.Count())
	for _, a := range valid.OnIndices() {
		local = append(local, globalPolicy[a])
	}
	return &Evaluation{
		value:        Softmax(valueHead),
		localLogits:  local,
		validActions: valid,
	}
}

// NewUniformEvaluation is the no-model surrogate: uniform value over players
// and zero logits over legal actions.
func NewUniformEvaluation(numPlayers int, valid game.ActionMask) *Evaluation {
	value := make([]float32, numPlayers)
	for i := range value {
		value[i] = 1.0 / float32(numPlayers)
	}
	return &Evaluation{
		value:        value,
		localLogits:  make([]float32, valid.Count()),
		validActions: valid,
	}
}

// Value returns the per-player value distribution. Callers must not mutate.
func (e *Evaluation) Value() []float32 { return e.value }

// LocalPolicyLogits returns the policy logits over legal actions in
// ascending action order. Callers must not mutate.
func (e *Evaluation) LocalPolicyLogits() []float32 { return e.localLogits }

// ValidActions returns the legal-action mask the evaluation was built with.
func (e *Evaluation) ValidActions() game.ActionMask { return e.validActions }

// Softmax returns the softmax of logits as a fresh slice.
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxV := logits[0]
	for _, v := range logits[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float32
	for i, v := range logits {
		e := float32(math.Exp(float64(v - maxV)))
		out[i] = e
		sum += e
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range out {
			out[i] *= inv
		}
	}
	return out
}
