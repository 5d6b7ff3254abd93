package search

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seed-search/internal/engine"
	"seed-search/internal/models"
)

func newTestRegistry(t *testing.T, f *engines) *Registry {
	t.Helper()
	r := NewRegistry(RegistryConfig{DataDir: t.TempDir(), Engine: f.factory, Options: testOptions})
	t.Cleanup(func() { _ = r.StopAllJobs() })
	return r
}

func TestRegistryJobsAreIsolated(t *testing.T) {
	f := &engines{}
	r := newTestRegistry(t, f)

	a, err := r.StartJob(testCriteria(), testFilter("a"), nil)
	require.NoError(t, err)
	ea := f.last()
	b, err := r.StartJob(testCriteria(), testFilter("b"), nil)
	require.NoError(t, err)
	eb := f.last()
	require.NotEqual(t, a, b)

	ja, _ := r.GetJob(a)
	jb, _ := r.GetJob(b)
	assert.NotEqual(t, ja.StorePath(), jb.StorePath())

	ea.emit("AAAAAAAA", 1, 1, 0)
	eb.emit("BBBBBBBB", 1, 1, 0)
	eb.emit("CCCCCCCC", 1, 1, 0)

	require.NoError(t, r.StopJob(a))
	_, ok := r.GetJob(a)
	assert.False(t, ok)
	assert.Equal(t, models.StateRunning, jb.State())

	n, err := r.GetResultCount(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRegistryUnknownIDs(t *testing.T) {
	r := newTestRegistry(t, &engines{})
	assert.NoError(t, r.StopJob("missing"))
	assert.ErrorIs(t, r.PauseJob("missing"), ErrJobNotFound)
	assert.ErrorIs(t, r.ResumeJob("missing"), ErrJobNotFound)
	_, err := r.GetProgress("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = r.GetResultsPage(context.Background(), "missing", 0, 10, "seed", true)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRegistryStopTwice(t *testing.T) {
	r := newTestRegistry(t, &engines{})
	id, err := r.StartJob(testCriteria(), testFilter("a"), nil)
	require.NoError(t, err)
	assert.NoError(t, r.StopJob(id))
	assert.NoError(t, r.StopJob(id))
}

func TestRegistryFailedStartIsNotRegistered(t *testing.T) {
	r := newTestRegistry(t, &engines{})
	_, err := r.StartJob(testCriteria(), models.FilterDescriptor{ID: "x"}, nil)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Empty(t, r.ListJobs())
}

func TestRegistryPauseResume(t *testing.T) {
	f := &engines{}
	r := newTestRegistry(t, f)
	id, err := r.StartJob(testCriteria(), testFilter("a"), nil)
	require.NoError(t, err)

	require.NoError(t, r.PauseJob(id))
	p, err := r.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaused, p.State)
	assert.Equal(t, engine.StatusPaused, f.last().Status())

	require.NoError(t, r.ResumeJob(id))
	p, err = r.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, p.State)
}

func TestStopJobsByFilterID(t *testing.T) {
	r := newTestRegistry(t, &engines{})
	for _, fid := range []string{"a", "a", "b"} {
		_, err := r.StartJob(testCriteria(), testFilter(fid), nil)
		require.NoError(t, err)
	}
	require.NoError(t, r.StopJobsByFilterID("a"))
	jobs := r.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].Filter().ID)

	require.NoError(t, r.StopJobsByFilterID("nothing"))
	require.NoError(t, r.StopAllJobs())
	assert.Empty(t, r.ListJobs())
}

func TestListJobsOldestFirst(t *testing.T) {
	r := newTestRegistry(t, &engines{})
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := r.StartJob(testCriteria(), testFilter("a"), nil)
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}
	var got []string
	for _, j := range r.ListJobs() {
		got = append(got, j.ID())
	}
	assert.Equal(t, ids, got)
}

func TestResumeFromCheckpointRescalesBatch(t *testing.T) {
	f := &engines{}
	r := newTestRegistry(t, f)
	id, err := r.StartJob(testCriteria(), testFilter("a"), nil)
	require.NoError(t, err)
	first := f.last()
	first.emit("AAAAAAAA", 2, 1, 0)
	first.completed.Store(1000)
	j, _ := r.GetJob(id)
	path := j.StorePath()

	require.NoError(t, r.StopJob(id))

	size := 2
	resumed, err := r.ResumeFromCheckpoint(context.Background(), ResumeRequest{
		StorePath: path,
		Filter:    testFilter("a"),
		BatchSize: &size,
	})
	require.NoError(t, err)
	assert.NotEqual(t, id, resumed)

	rj, ok := r.GetJob(resumed)
	require.True(t, ok)
	assert.Equal(t, path, rj.StorePath())
	c := rj.Criteria()
	assert.Equal(t, uint64(28), c.StartBatch)
	assert.Equal(t, 2, c.BatchSize)
	assert.False(t, c.Bounded())
	assert.Equal(t, uint64(28), f.last().criteria.StartBatch)

	// Rows from the first run are still there.
	n, err := r.GetResultCount(context.Background(), resumed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestResumeFromCheckpointSameBatchSize(t *testing.T) {
	f := &engines{}
	r := newTestRegistry(t, f)
	c := testCriteria()
	c.StartBatch, c.EndBatch = 100, 200
	id, err := r.StartJob(c, testFilter("a"), nil)
	require.NoError(t, err)
	f.last().completed.Store(40)
	j, _ := r.GetJob(id)
	j.Stop(false)
	require.True(t, j.Wait(2*time.Second))

	// The finished job is still registered; resume replaces it.
	resumed, err := r.ResumeFromCheckpoint(context.Background(), ResumeRequest{FromJobID: id, Filter: testFilter("a")})
	require.NoError(t, err)
	_, ok := r.GetJob(id)
	assert.False(t, ok)
	rj, _ := r.GetJob(resumed)
	assert.Equal(t, uint64(140), rj.Criteria().StartBatch)
	assert.Equal(t, uint64(200), rj.Criteria().EndBatch)
}

func TestResumeRejectsLiveStore(t *testing.T) {
	r := newTestRegistry(t, &engines{})
	id, err := r.StartJob(testCriteria(), testFilter("a"), nil)
	require.NoError(t, err)
	_, err = r.ResumeFromCheckpoint(context.Background(), ResumeRequest{FromJobID: id, Filter: testFilter("a")})
	assert.ErrorIs(t, err, ErrStoreInUse)
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	r := newTestRegistry(t, &engines{})
	id, err := r.StartJob(testCriteria(), testFilter("a"), nil)
	require.NoError(t, err)
	j, _ := r.GetJob(id)
	j.Stop(true)
	require.True(t, j.Wait(2*time.Second))

	_, err = r.ResumeFromCheckpoint(context.Background(), ResumeRequest{FromJobID: id, Filter: testFilter("a")})
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestResumeUnknownStoreLeavesNoFile(t *testing.T) {
	r := newTestRegistry(t, &engines{})
	path := r.StorePathFor("no-such-job")

	_, err := r.ResumeFromCheckpoint(context.Background(), ResumeRequest{FromJobID: "no-such-job", Filter: testFilter("a")})
	assert.ErrorIs(t, err, ErrValidationFailed)
	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "resume created %s", path)
}

func TestResumeFinishedRangeIsRejected(t *testing.T) {
	f := &engines{}
	r := newTestRegistry(t, f)
	c := testCriteria()
	c.EndBatch = 10
	id, err := r.StartJob(c, testFilter("a"), nil)
	require.NoError(t, err)
	f.last().complete(10)
	j, _ := r.GetJob(id)
	require.Eventually(t, func() bool { return j.State() == models.StateCompleted }, 2*time.Second, 5*time.Millisecond)
	require.True(t, j.Wait(2*time.Second))

	_, err = r.ResumeFromCheckpoint(context.Background(), ResumeRequest{FromJobID: id, Filter: testFilter("a")})
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestConvertEndBatchRoundsUp(t *testing.T) {
	assert.Equal(t, uint64(29), convertEndBatch(1001, 1, 2, 35))
	assert.Equal(t, uint64(28), convertEndBatch(980, 1, 2, 35))
	assert.Equal(t, uint64(35*35), convertEndBatch(35, 2, 1, 35))
}

func TestRegistryWithSyntheticEngine(t *testing.T) {
	r := NewRegistry(RegistryConfig{DataDir: t.TempDir(), Options: testOptions})
	t.Cleanup(func() { _ = r.StopAllJobs() })
	c := models.SearchCriteria{ThreadCount: 3, BatchSize: 0, StartBatch: 0, EndBatch: 5}
	id, err := r.StartJob(c, testFilter("synthetic"), nil)
	require.NoError(t, err)

	j, _ := r.GetJob(id)
	require.Eventually(t, func() bool { return j.State() == models.StateCompleted }, 5*time.Second, 5*time.Millisecond)
	require.True(t, j.Wait(2*time.Second))

	n, err := r.GetResultCount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(5*35), n)
	p, err := r.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), p.BatchesCompleted)
	assert.Equal(t, uint64(5*35), p.SeedsSearched)
}
