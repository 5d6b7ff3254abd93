// Package engine defines the evaluation engine a search job drives.
package engine

import (
	"context"
	"errors"

	"seed-search/internal/models"
)

// Status is the engine's own view of a run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrResourceExhausted marks failures caused by running out of memory or similar limits.
var ErrResourceExhausted = errors.New("resource exhausted")

// ResultFunc receives one match. Engines call it from their own worker goroutines,
// possibly concurrently.
type ResultFunc func(seed string, score int64, tallies []int64)

// Engine enumerates a batch range against a filter.
type Engine interface {
	// Start launches the run and returns without waiting for it. Cancelling ctx stops it.
	Start(ctx context.Context, filter models.FilterDescriptor, criteria models.SearchCriteria, onResult ResultFunc) error
	Status() Status
	// Err explains a StatusFailed run.
	Err() error
	// CompletedBatches counts batches finished contiguously from the start batch.
	CompletedBatches() uint64
	// BranchingFactor is the number of symbols per seed position.
	BranchingFactor() uint64
	Pause()
	Resume()
	Close() error
}

// Factory builds a fresh engine for each job.
type Factory func() Engine
