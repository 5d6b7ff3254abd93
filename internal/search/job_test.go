package search

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seed-search/internal/checkpoint"
	"seed-search/internal/engine"
	"seed-search/internal/models"
	"seed-search/internal/store"
)

func newTestJob(t *testing.T, f *engines, sink SeedSink, audit AuditRecorder) *Job {
	t.Helper()
	j := NewJob("job-1", filepath.Join(t.TempDir(), "job-1.db"), f.factory, testOptions, sink, audit)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func waitState(t *testing.T, j *Job, want models.JobState) {
	t.Helper()
	require.Eventually(t, func() bool { return j.State() == want }, 2*time.Second, 5*time.Millisecond, "job never reached %s", want)
	require.True(t, j.Wait(2*time.Second))
}

func TestStartRejectsInvalidInputBeforeRunning(t *testing.T) {
	f := &engines{}
	j := newTestJob(t, f, nil, nil)

	err := j.Start(testCriteria(), models.FilterDescriptor{ID: "empty"}, nil)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Equal(t, models.StateIdle, j.State())

	bad := testCriteria()
	bad.ThreadCount = 0
	err = j.Start(bad, testFilter("f"), nil)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Equal(t, models.StateIdle, j.State())

	unsafe := testFilter("f")
	unsafe.Should = append(unsafe.Should, models.Clause{Name: "x; DROP TABLE results"})
	err = j.Start(testCriteria(), unsafe, nil)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Empty(t, f.all, "no engine should be built for invalid input")
}

func TestStartTwiceReturnsAlreadyRunning(t *testing.T) {
	f := &engines{}
	j := newTestJob(t, f, nil, nil)
	require.NoError(t, j.Start(testCriteria(), testFilter("f"), nil))
	assert.ErrorIs(t, j.Start(testCriteria(), testFilter("f"), nil), ErrAlreadyRunning)

	j.Pause()
	assert.Equal(t, models.StatePaused, j.State())
	assert.ErrorIs(t, j.Start(testCriteria(), testFilter("f"), nil), ErrAlreadyRunning)
}

func TestStartAfterFinishIsRejected(t *testing.T) {
	f := &engines{}
	j := newTestJob(t, f, nil, nil)
	require.NoError(t, j.Start(testCriteria(), testFilter("f"), nil))
	j.Stop(true)
	require.True(t, j.Wait(2*time.Second))
	assert.ErrorIs(t, j.Start(testCriteria(), testFilter("f"), nil), ErrJobFinished)
}

func TestEngineStartFailure(t *testing.T) {
	f := &engines{}
	j := NewJob("job-1", filepath.Join(t.TempDir(), "job-1.db"), func() engine.Engine {
		e := f.factory().(*fakeEngine)
		e.startErr = errors.New("no workers")
		return e
	}, testOptions, nil, nil)
	err := j.Start(testCriteria(), testFilter("f"), nil)
	assert.ErrorIs(t, err, ErrEngineFailure)
	assert.Equal(t, models.StateIdle, j.State())
	assert.True(t, f.last().closed)
}

func TestStopFlipsStateWithoutWaiting(t *testing.T) {
	f := &engines{}
	j := newTestJob(t, f, nil, nil)
	require.NoError(t, j.Start(testCriteria(), testFilter("f"), nil))

	began := time.Now()
	j.Stop(false)
	assert.Less(t, time.Since(began), 50*time.Millisecond)
	assert.NotEqual(t, models.StateRunning, j.State())
	assert.Equal(t, models.StateCancelled, j.State())

	require.True(t, j.Wait(2*time.Second))
	assert.Equal(t, models.StateCancelled, j.State())
	assert.ErrorIs(t, j.Err(), ErrOperationCancelled)
	assert.True(t, f.last().closed)

	// Stopping again is a no-op.
	j.Stop(false)
	assert.Equal(t, models.StateCancelled, j.State())
}

func TestStopWhilePaused(t *testing.T) {
	f := &engines{}
	j := newTestJob(t, f, nil, nil)
	require.NoError(t, j.Start(testCriteria(), testFilter("f"), nil))
	j.Pause()
	j.Stop(false)
	assert.Equal(t, models.StateCancelled, j.State())
	require.True(t, j.Wait(2*time.Second))
}

func TestCompletionStoresDistinctResults(t *testing.T) {
	f := &engines{}
	sink := &memSink{}
	audit := &memAudit{}
	j := newTestJob(t, f, sink, audit)
	c := testCriteria()
	c.StartBatch, c.EndBatch, c.MinScore = 10, 30, 5
	require.NoError(t, j.Start(c, testFilter("f"), nil))

	e := f.last()
	e.emit("11111111", 9, 4, 5)
	e.emit("11111111", 12, 6, 6)
	e.emit("22222222", 7, 2, 5)
	e.emit("33333333", 1, 0, 1) // below min score
	e.complete(20)

	waitState(t, j, models.StateCompleted)
	n, err := j.GetResultCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := j.GetResultsPage(context.Background(), 0, 10, "score", false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.ResultRow{Seed: "11111111", Score: 9, Tallies: []int64{4, 5}}, rows[0])

	p := j.GetProgress()
	assert.Equal(t, uint64(20), p.BatchesCompleted)
	assert.InDelta(t, 100.0, p.PercentComplete, 1e-9)
	assert.False(t, p.RemainingKnown)
	assert.Equal(t, int64(2), p.ResultsFound)

	assert.Contains(t, sink.snapshot(), "22222222")
	assert.Eventually(t, func() bool { return audit.has("started") && audit.has("completed") }, time.Second, 5*time.Millisecond)
}

func TestSlowSinkDoesNotBlockEngine(t *testing.T) {
	f := &engines{}
	sink := &slowSink{delay: 20 * time.Millisecond}
	j := newTestJob(t, f, sink, nil)
	require.NoError(t, j.Start(testCriteria(), testFilter("f"), nil))
	e := f.last()

	const n = 200
	var worst time.Duration
	begin := time.Now()
	for i := 0; i < n; i++ {
		t0 := time.Now()
		e.emit(engine.SeedAt(uint64(i)), 1, 0, 1)
		if d := time.Since(t0); d > worst {
			worst = d
		}
	}
	assert.Less(t, time.Since(begin), 500*time.Millisecond, "slowest emit took %s", worst)

	count, err := j.GetResultCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(n), count)

	closed := time.Now()
	require.NoError(t, j.Close())
	assert.Less(t, time.Since(closed), time.Second)
	assert.Len(t, sink.snapshot(), n)
	assert.Less(t, int(sink.calls.Load()), n)
}

func TestResultsVisibleWhileRunning(t *testing.T) {
	f := &engines{}
	j := newTestJob(t, f, nil, nil)
	require.NoError(t, j.Start(testCriteria(), testFilter("f"), nil))
	e := f.last()
	for _, s := range []string{"AAAAAAAA", "BBBBBBBB", "CCCCCCCC"} {
		e.emit(s, 3, 1, 1)
	}
	rows, err := j.GetResultsPage(context.Background(), 0, 10, "seed", true)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "AAAAAAAA", rows[0].Seed)

	_, err = j.GetResultsPage(context.Background(), 0, 10, "nope", true)
	assert.ErrorIs(t, err, store.ErrInvalidColumn)
}

func TestEngineFailureMarksJobFailed(t *testing.T) {
	f := &engines{}
	j := newTestJob(t, f, nil, nil)
	require.NoError(t, j.Start(testCriteria(), testFilter("f"), nil))
	f.last().failWith(errors.New("evaluator crashed"))

	waitState(t, j, models.StateFailed)
	assert.ErrorIs(t, j.Err(), ErrEngineFailure)
	assert.Contains(t, j.GetProgress().Message, "evaluator crashed")
}

func TestResourceExhaustionSuggestsSmallerRun(t *testing.T) {
	f := &engines{}
	j := newTestJob(t, f, nil, nil)
	require.NoError(t, j.Start(testCriteria(), testFilter("f"), nil))
	f.last().failWith(engine.ErrResourceExhausted)

	waitState(t, j, models.StateFailed)
	assert.ErrorIs(t, j.Err(), ErrResourceExhausted)
	assert.Contains(t, j.GetProgress().Message, "smaller batch size")
}

func TestProgressNeverGoesBackwards(t *testing.T) {
	f := &engines{}
	var (
		mu    sync.Mutex
		snaps []models.ProgressSnapshot
	)
	j := newTestJob(t, f, nil, nil)
	c := testCriteria()
	c.EndBatch = 100
	require.NoError(t, j.Start(c, testFilter("f"), func(p models.ProgressSnapshot) {
		mu.Lock()
		snaps = append(snaps, p)
		mu.Unlock()
	}))
	e := f.last()
	e.completed.Store(40)
	require.Eventually(t, func() bool { return j.GetProgress().BatchesCompleted == 40 }, time.Second, 5*time.Millisecond)
	e.completed.Store(10)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, uint64(40), j.GetProgress().BatchesCompleted)
	assert.InDelta(t, 40.0, j.GetProgress().PercentComplete, 1e-9)
	e.complete(100)
	waitState(t, j, models.StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snaps)
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].BatchesCompleted, snaps[i-1].BatchesCompleted)
		assert.GreaterOrEqual(t, snaps[i].PercentComplete, snaps[i-1].PercentComplete)
	}
	assert.Equal(t, models.StateCompleted, snaps[len(snaps)-1].State)
}

func TestProgressCallbackPanicDoesNotKillJob(t *testing.T) {
	f := &engines{}
	j := newTestJob(t, f, nil, nil)
	require.NoError(t, j.Start(testCriteria(), testFilter("f"), func(models.ProgressSnapshot) { panic("boom") }))
	time.Sleep(20 * time.Millisecond)
	f.last().complete(3)
	waitState(t, j, models.StateCompleted)
}

func TestIdleJobReportsNothing(t *testing.T) {
	j := newTestJob(t, &engines{}, nil, nil)
	p := j.GetProgress()
	assert.Equal(t, models.StateIdle, p.State)
	assert.Zero(t, p.PercentComplete)
	assert.Zero(t, p.SeedsSearched)

	rows, err := j.GetResultsPage(context.Background(), 0, 10, "seed", true)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPausedTimeIsExcludedFromElapsed(t *testing.T) {
	f := &engines{}
	j := newTestJob(t, f, nil, nil)
	require.NoError(t, j.Start(testCriteria(), testFilter("f"), nil))
	j.Pause()
	before := j.GetProgress().Elapsed
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, before, j.GetProgress().Elapsed)
	j.Resume()
	assert.Equal(t, models.StateRunning, j.State())
}

func TestStopWritesCheckpoint(t *testing.T) {
	f := &engines{}
	j := newTestJob(t, f, nil, nil)
	c := testCriteria()
	c.StartBatch = 5
	require.NoError(t, j.Start(c, testFilter("f"), nil))
	f.last().completed.Store(995)
	j.Stop(false)
	require.True(t, j.Wait(2*time.Second))
	require.NoError(t, j.Close())

	st, err := store.OpenResultStore(context.Background(), j.StorePath(), testFilter("f").TallyColumns(), store.Options{})
	require.NoError(t, err)
	defer st.Close()
	cp, found, err := checkpoint.Load(context.Background(), st)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1000), cp.LastCompletedBatch)
	assert.Equal(t, 1, cp.BatchSize)
	assert.Equal(t, "job-1", cp.JobID)
}

func TestStopCanSkipCheckpoint(t *testing.T) {
	f := &engines{}
	j := newTestJob(t, f, nil, nil)
	require.NoError(t, j.Start(testCriteria(), testFilter("f"), nil))
	f.last().completed.Store(7)
	j.Stop(true)
	require.True(t, j.Wait(2*time.Second))
	require.NoError(t, j.Close())

	st, err := store.OpenResultStore(context.Background(), j.StorePath(), testFilter("f").TallyColumns(), store.Options{})
	require.NoError(t, err)
	defer st.Close()
	_, found, err := checkpoint.Load(context.Background(), st)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPeriodicCheckpoint(t *testing.T) {
	f := &engines{}
	opts := testOptions
	opts.CheckpointInterval = 10 * time.Millisecond
	j := NewJob("job-p", filepath.Join(t.TempDir(), "job-p.db"), f.factory, opts, nil, nil)
	t.Cleanup(func() { _ = j.Close() })
	require.NoError(t, j.Start(testCriteria(), testFilter("f"), nil))
	e := f.last()
	e.emit("ZZZZZZZZ", 4, 2, 2)
	e.completed.Store(12)

	// The checkpoint shares the store with the running job, so read it through it.
	require.Eventually(t, func() bool {
		j.mu.RLock()
		st := j.store
		j.mu.RUnlock()
		cp, found, err := checkpoint.Load(context.Background(), st)
		return err == nil && found && cp.LastCompletedBatch == 12
	}, 2*time.Second, 10*time.Millisecond)
	n, err := j.GetResultCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
