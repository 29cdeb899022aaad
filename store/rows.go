// Package store produces training targets from search results: one row per
// (game, move) with the post-search visit distribution as the policy target
// and the final game outcome as the value target, written as parquet
// batches.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// TrainingRow is a single supervised training sample.
//
// Policy is the normalized (possibly target-pruned) visit distribution over
// the global action space. Value is the final game outcome per player,
// backfilled when the game ends. PolicyPrior and WinRates are kept for
// diagnostics and alternative training targets.
type TrainingRow struct {
	GameID     string `parquet:"game_id,dict"`
	MoveNumber int32  `parquet:"move_number"`
	Seat       int32  `parquet:"seat"`

	StateKey string `parquet:"state_key,dict"`

	Policy      []float32 `parquet:"policy"`
	PolicyPrior []float32 `parquet:"policy_prior"`
	Value       []float32 `parquet:"value"`
	WinRates    []float32 `parquet:"win_rates"`

	Source string `parquet:"source,dict"`
}

// WriteBatchParquetAtomic writes rows into outDir/tmp and atomically moves
// the file into outDir, so readers never observe a partially-written batch.
// The returned path is the final parquet file path.
func WriteBatchParquetAtomic(outDir string, rows []TrainingRow) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	tmpDir := filepath.Join(outDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}

	name := fmt.Sprintf("batch_%d.parquet", time.Now().UnixNano())
	finalPath := filepath.Join(outDir, name)
	tmpPath := filepath.Join(tmpDir, name+".tmp")
	_ = os.Remove(tmpPath)

	if err := parquet.WriteFile(tmpPath, rows,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.KeyValueMetadata("schema", "search_training_row_v1"),
	); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write parquet: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename parquet: %w", err)
	}

	return finalPath, nil
}
