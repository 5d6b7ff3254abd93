package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"seed-search/internal/models"
	"seed-search/internal/progress"
)

// clauseSpread is the exclusive upper bound of a clause value.
const clauseSpread = 10

// Synthetic is a self-contained engine over the 8-symbol seed space. Clause values
// come from a stable hash of (seed, clause, deck, stake) so runs are reproducible.
type Synthetic struct {
	branching uint64
	total     uint64 // seed space size

	mu       sync.Mutex
	status   Status
	err      error
	paused   bool
	resumeCh chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Watermark tracking: done holds finished batches above the watermark.
	next      uint64
	watermark uint64
	done      map[uint64]struct{}
	completed atomic.Uint64
}

// NewSynthetic returns an idle synthetic engine.
func NewSynthetic() *Synthetic {
	b := uint64(len(models.SeedAlphabet))
	return &Synthetic{
		branching: b,
		total:     progress.Pow(b, models.SeedLength),
		status:    StatusIdle,
		resumeCh:  make(chan struct{}),
		done:      map[uint64]struct{}{},
	}
}

// SyntheticFactory is a Factory for Synthetic engines.
func SyntheticFactory() Engine { return NewSynthetic() }

func (e *Synthetic) BranchingFactor() uint64 { return e.branching }

// TotalBatches returns how many batches of batchSize cover the seed space.
func (e *Synthetic) TotalBatches(batchSize int) uint64 {
	return e.total / progress.BatchWork(batchSize, e.branching)
}

func (e *Synthetic) Start(ctx context.Context, filter models.FilterDescriptor, criteria models.SearchCriteria, onResult ResultFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusIdle {
		return fmt.Errorf("engine already started (status %s)", e.status)
	}
	if onResult == nil {
		return errors.New("result callback is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.status = StatusRunning

	if criteria.DebugSeed != "" {
		e.wg.Add(1)
		go e.runDebug(ctx, filter, criteria, onResult)
		go e.awaitWorkers(ctx)
		return nil
	}

	end := e.TotalBatches(criteria.BatchSize)
	if criteria.Bounded() && criteria.EndBatch < end {
		end = criteria.EndBatch
	}
	e.next = criteria.StartBatch
	e.watermark = criteria.StartBatch
	threads := criteria.ThreadCount
	if threads < 1 {
		threads = 1
	}
	for i := 0; i < threads; i++ {
		e.wg.Add(1)
		go e.worker(ctx, filter, criteria, end, onResult)
	}
	go e.awaitWorkers(ctx)
	return nil
}

func (e *Synthetic) awaitWorkers(ctx context.Context) {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusFailed {
		return
	}
	if ctx.Err() != nil {
		e.status = StatusIdle
		return
	}
	e.status = StatusCompleted
}

func (e *Synthetic) fail(err error) {
	e.mu.Lock()
	if e.status != StatusFailed {
		e.status = StatusFailed
		e.err = err
	}
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Synthetic) recoverWorker() {
	if r := recover(); r != nil {
		log.WithField("panic", r).Errorf("engine worker panicked\n%s", debug.Stack())
		if err, ok := r.(error); ok {
			e.fail(fmt.Errorf("engine worker panic: %w", err))
			return
		}
		e.fail(fmt.Errorf("engine worker panic: %v", r))
	}
}

func (e *Synthetic) runDebug(ctx context.Context, filter models.FilterDescriptor, criteria models.SearchCriteria, onResult ResultFunc) {
	defer e.wg.Done()
	defer e.recoverWorker()
	if !e.waitIfPaused(ctx) {
		return
	}
	if score, tallies, ok := Evaluate(criteria.DebugSeed, filter, criteria); ok && score >= criteria.MinScore {
		onResult(criteria.DebugSeed, score, tallies)
	}
	e.completed.Store(1)
}

func (e *Synthetic) worker(ctx context.Context, filter models.FilterDescriptor, criteria models.SearchCriteria, end uint64, onResult ResultFunc) {
	defer e.wg.Done()
	defer e.recoverWorker()

	work := progress.BatchWork(criteria.BatchSize, e.branching)
	for {
		if !e.waitIfPaused(ctx) {
			return
		}
		batch, ok := e.claim(end)
		if !ok {
			return
		}
		first := batch * work
		for i := uint64(0); i < work; i++ {
			if i%4096 == 0 && ctx.Err() != nil {
				return
			}
			seed := SeedAt(first + i)
			if score, tallies, ok := Evaluate(seed, filter, criteria); ok && score >= criteria.MinScore {
				onResult(seed, score, tallies)
			}
		}
		e.finish(batch, criteria.StartBatch)
	}
}

func (e *Synthetic) claim(end uint64) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.next >= end {
		return 0, false
	}
	b := e.next
	e.next++
	return b, true
}

// finish records a batch and advances the contiguous watermark.
func (e *Synthetic) finish(batch, start uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done[batch] = struct{}{}
	for {
		if _, ok := e.done[e.watermark]; !ok {
			break
		}
		delete(e.done, e.watermark)
		e.watermark++
	}
	e.completed.Store(e.watermark - start)
}

// waitIfPaused blocks while paused. It returns false once ctx is done.
func (e *Synthetic) waitIfPaused(ctx context.Context) bool {
	for {
		e.mu.Lock()
		paused, ch := e.paused, e.resumeCh
		e.mu.Unlock()
		if !paused {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-ch:
		}
	}
}

func (e *Synthetic) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Synthetic) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Synthetic) CompletedBatches() uint64 { return e.completed.Load() }

func (e *Synthetic) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning {
		return
	}
	e.paused = true
	e.status = StatusPaused
}

func (e *Synthetic) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return
	}
	e.paused = false
	close(e.resumeCh)
	e.resumeCh = make(chan struct{})
	if e.status == StatusPaused {
		e.status = StatusRunning
	}
}

// Close cancels the run and waits for workers to return.
func (e *Synthetic) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	return nil
}

// SeedAt maps a seed index to its string form, most significant symbol first.
func SeedAt(index uint64) string {
	var buf [models.SeedLength]byte
	base := uint64(len(models.SeedAlphabet))
	for i := models.SeedLength - 1; i >= 0; i-- {
		buf[i] = models.SeedAlphabet[index%base]
		index /= base
	}
	return string(buf[:])
}

// Evaluate scores one seed against filter. ok is false when a must or must-not
// clause rejects the seed.
func Evaluate(seed string, filter models.FilterDescriptor, criteria models.SearchCriteria) (score int64, tallies []int64, ok bool) {
	for _, c := range filter.Must {
		if clauseValue(seed, c, criteria) < c.Min {
			return 0, nil, false
		}
	}
	for _, c := range filter.MustNot {
		if clauseValue(seed, c, criteria) >= c.Min {
			return 0, nil, false
		}
	}
	tallies = make([]int64, len(filter.Should))
	for i, c := range filter.Should {
		v := clauseValue(seed, c, criteria)
		if v < c.Min {
			continue
		}
		tallies[i] = v * c.Weight
		score += tallies[i]
	}
	return score, tallies, true
}

func clauseValue(seed string, c models.Clause, criteria models.SearchCriteria) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(c.Name))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(c.Value))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(criteria.Deck))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(criteria.Stake))
	return int64(h.Sum64() % clauseSpread)
}
