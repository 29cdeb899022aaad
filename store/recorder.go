package store

import (
	"fmt"

	"github.com/rootplusdev/AlphaZeroArcade/game"
	"github.com/rootplusdev/AlphaZeroArcade/mcts"
)

// Recorder accumulates one game's worth of search results. The value target
// is unknown until the game ends, so rows are buffered and backfilled by
// Finalize.
type Recorder struct {
	gameID    string
	source    string
	rows      []TrainingRow
	finalized bool
}

// NewRecorder starts a recording for one game.
func NewRecorder(gameID, source string) *Recorder {
	return &Recorder{gameID: gameID, source: source}
}

// RecordMove buffers the search results for the move just chosen at
// stateKey by seat.
func (r *Recorder) RecordMove(moveNumber int, seat int, stateKey string, results *mcts.SearchResults) {
	policy := normalize(results.Counts)
	r.rows = append(r.rows, TrainingRow{
		GameID:      r.gameID,
		MoveNumber:  int32(moveNumber),
		Seat:        int32(seat),
		StateKey:    stateKey,
		Policy:      policy,
		PolicyPrior: append([]float32(nil), results.PolicyPrior...),
		WinRates:    append([]float32(nil), results.WinRates...),
		Source:      r.source,
	})
}

// Finalize backfills every buffered row's value target with the game
// outcome and returns the completed rows. A recorder can be finalized only
// once.
func (r *Recorder) Finalize(outcome game.Outcome) ([]TrainingRow, error) {
	if r.finalized {
		return nil, fmt.Errorf("store: recorder for game %s already finalized", r.gameID)
	}
	if !outcome.IsTerminal() {
		return nil, fmt.Errorf("store: cannot finalize game %s with non-terminal outcome", r.gameID)
	}
	r.finalized = true
	for i := range r.rows {
		r.rows[i].Value = append([]float32(nil), outcome...)
	}
	return r.rows, nil
}

// Len returns the number of buffered rows.
func (r *Recorder) Len() int { return len(r.rows) }

func normalize(counts []float32) []float32 {
	out := make([]float32, len(counts))
	var sum float32
	for _, c := range counts {
		sum += c
	}
	if sum <= 0 {
		return out
	}
	for i, c := range counts {
		out[i] = c / sum
	}
	return out
}
