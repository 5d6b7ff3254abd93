// Package checkpoint persists resume markers next to a job's results and rescales
// batch numbers between batch sizes.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"seed-search/internal/models"
	"seed-search/internal/progress"
)

// Keys of the key/value side table.
const (
	KeyJobID        = "job_id"
	KeyLastBatch    = "last_batch"
	KeyBatchSize    = "batch_size"
	KeyTotalBatches = "total_batches"
	KeyCriteria     = "criteria"
	KeyUpdatedAt    = "updated_at"
)

// KV is the key/value table a checkpoint is written to. SaveCheckpoints must apply
// all pairs or none.
type KV interface {
	SaveCheckpoints(ctx context.Context, pairs map[string]string) error
	LoadCheckpoint(ctx context.Context, key string) (string, bool, error)
}

// Save writes every field of cp in one atomic batch, so a failed write leaves the
// previous checkpoint intact rather than mixing old and new fields.
func Save(ctx context.Context, kv KV, cp models.Checkpoint) error {
	criteria, err := json.Marshal(cp.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	pairs := map[string]string{
		KeyJobID:        cp.JobID,
		KeyBatchSize:    strconv.Itoa(cp.BatchSize),
		KeyTotalBatches: strconv.FormatUint(cp.TotalBatches, 10),
		KeyCriteria:     string(criteria),
		KeyUpdatedAt:    cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
		KeyLastBatch:    strconv.FormatUint(cp.LastCompletedBatch, 10),
	}
	if err := kv.SaveCheckpoints(ctx, pairs); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint. found is false when no last_batch marker exists.
func Load(ctx context.Context, kv KV) (cp models.Checkpoint, found bool, err error) {
	last, ok, err := kv.LoadCheckpoint(ctx, KeyLastBatch)
	if err != nil {
		return cp, false, fmt.Errorf("load %s: %w", KeyLastBatch, err)
	}
	if !ok {
		return cp, false, nil
	}
	if cp.LastCompletedBatch, err = strconv.ParseUint(last, 10, 64); err != nil {
		return cp, false, fmt.Errorf("parse %s %q: %w", KeyLastBatch, last, err)
	}

	get := func(key string) (string, error) {
		v, _, err := kv.LoadCheckpoint(ctx, key)
		if err != nil {
			return "", fmt.Errorf("load %s: %w", key, err)
		}
		return v, nil
	}

	if cp.JobID, err = get(KeyJobID); err != nil {
		return cp, false, err
	}
	v, err := get(KeyBatchSize)
	if err != nil {
		return cp, false, err
	}
	if v != "" {
		if cp.BatchSize, err = strconv.Atoi(v); err != nil {
			return cp, false, fmt.Errorf("parse %s %q: %w", KeyBatchSize, v, err)
		}
	}
	if v, err = get(KeyTotalBatches); err != nil {
		return cp, false, err
	}
	if v != "" {
		if cp.TotalBatches, err = strconv.ParseUint(v, 10, 64); err != nil {
			return cp, false, fmt.Errorf("parse %s %q: %w", KeyTotalBatches, v, err)
		}
	}
	if v, err = get(KeyCriteria); err != nil {
		return cp, false, err
	}
	if v != "" {
		if err := json.Unmarshal([]byte(v), &cp.Criteria); err != nil {
			return cp, false, fmt.Errorf("unmarshal criteria: %w", err)
		}
	}
	if v, err = get(KeyUpdatedAt); err != nil {
		return cp, false, err
	}
	if v != "" {
		if cp.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return cp, false, fmt.Errorf("parse %s %q: %w", KeyUpdatedAt, v, err)
		}
	}
	return cp, true, nil
}

// ConvertBatchNumber rescales a batch index taken at fromSize to toSize so the number
// of seeds already covered is preserved:
//
//	floor(batch * branching^(fromSize+1) / branching^(toSize+1))
//
// Results saturate at math.MaxUint64.
func ConvertBatchNumber(batch uint64, fromSize, toSize int, branching uint64) uint64 {
	switch {
	case fromSize == toSize:
		return batch
	case fromSize > toSize:
		return progress.MulSat(batch, progress.Pow(branching, fromSize-toSize))
	default:
		div := progress.Pow(branching, toSize-fromSize)
		if div == 0 {
			return 0
		}
		return batch / div
	}
}

// Throttle gates checkpoint writes to at most one per interval.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, now: time.Now}
}

// Due reports whether interval has passed since the last accepted call and, if so,
// records this call as the new reference point.
func (t *Throttle) Due() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

// Reset makes the next Due call wait a full interval.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.last = t.now()
	t.mu.Unlock()
}
