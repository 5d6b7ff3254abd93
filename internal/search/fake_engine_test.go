package search

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"seed-search/internal/engine"
	"seed-search/internal/models"
)

// fakeEngine is driven by the test: it reports whatever status and batch count
// the test sets and emits results on demand.
type fakeEngine struct {
	mu       sync.Mutex
	status   engine.Status
	err      error
	onResult engine.ResultFunc
	criteria models.SearchCriteria
	startErr error
	closed   bool

	completed atomic.Uint64
}

func (e *fakeEngine) Start(ctx context.Context, _ models.FilterDescriptor, criteria models.SearchCriteria, onResult engine.ResultFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	if e.status != "" && e.status != engine.StatusIdle {
		return errors.New("already started")
	}
	e.status = engine.StatusRunning
	e.onResult = onResult
	e.criteria = criteria
	go func() {
		<-ctx.Done()
		e.mu.Lock()
		if e.status == engine.StatusRunning || e.status == engine.StatusPaused {
			e.status = engine.StatusIdle
		}
		e.mu.Unlock()
	}()
	return nil
}

func (e *fakeEngine) Status() engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == "" {
		return engine.StatusIdle
	}
	return e.status
}

func (e *fakeEngine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *fakeEngine) CompletedBatches() uint64 { return e.completed.Load() }
func (e *fakeEngine) BranchingFactor() uint64  { return 35 }

func (e *fakeEngine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == engine.StatusRunning {
		e.status = engine.StatusPaused
	}
}

func (e *fakeEngine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == engine.StatusPaused {
		e.status = engine.StatusRunning
	}
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) emit(seed string, score int64, tallies ...int64) {
	e.mu.Lock()
	fn := e.onResult
	e.mu.Unlock()
	fn(seed, score, tallies)
}

func (e *fakeEngine) complete(batches uint64) {
	e.completed.Store(batches)
	e.mu.Lock()
	e.status = engine.StatusCompleted
	e.mu.Unlock()
}

func (e *fakeEngine) failWith(err error) {
	e.mu.Lock()
	e.status = engine.StatusFailed
	e.err = err
	e.mu.Unlock()
}

// engines hands out fakeEngines and remembers them in creation order.
type engines struct {
	mu  sync.Mutex
	all []*fakeEngine
}

func (f *engines) factory() engine.Engine {
	e := &fakeEngine{}
	f.mu.Lock()
	f.all = append(f.all, e)
	f.mu.Unlock()
	return e
}

func (f *engines) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[len(f.all)-1]
}

type memSink struct {
	mu    sync.Mutex
	seeds []string
}

func (s *memSink) Add(_ context.Context, seeds ...string) {
	s.mu.Lock()
	s.seeds = append(s.seeds, seeds...)
	s.mu.Unlock()
}

func (s *memSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seeds...)
}

// slowSink takes delay per Add call, like a sink waiting on an unreachable Redis.
type slowSink struct {
	memSink
	delay time.Duration
	calls atomic.Int32
}

func (s *slowSink) Add(ctx context.Context, seeds ...string) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	s.memSink.Add(ctx, seeds...)
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) AppendAudit(_ context.Context, _, _, event, _ string) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

func (a *memAudit) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

var testOptions = Options{
	PollInterval:       5 * time.Millisecond,
	CheckpointInterval: time.Hour,
	StopTimeout:        2 * time.Second,
	ResultQueueSize:    64,
	StoreFlushRows:     8,
}

func testFilter(id string) models.FilterDescriptor {
	return models.FilterDescriptor{
		ID:     id,
		Should: []models.Clause{{Name: "joker", Weight: 2}, {Name: "tarot"}},
	}
}

func testCriteria() models.SearchCriteria {
	return models.SearchCriteria{ThreadCount: 2, BatchSize: 1, EndBatch: models.UnboundedBatch}
}
