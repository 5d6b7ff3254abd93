// Package search runs resumable seed searches: one Job per run, tracked by a Registry.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"seed-search/internal/checkpoint"
	"seed-search/internal/engine"
	"seed-search/internal/models"
	"seed-search/internal/progress"
	"seed-search/internal/store"
	"seed-search/internal/telemetry"
)

// Options tunes the worker loop of a job.
type Options struct {
	PollInterval       time.Duration
	CheckpointInterval time.Duration
	StopTimeout        time.Duration
	ResultQueueSize    int
	SinkQueueSize      int
	StoreFlushRows     int
}

// sinkBatchSize caps the seeds handed to the sink in one Add call.
const sinkBatchSize = 256

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = 10 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = time.Second
	}
	if o.ResultQueueSize <= 0 {
		o.ResultQueueSize = 1024
	}
	if o.SinkQueueSize <= 0 {
		o.SinkQueueSize = 4096
	}
	return o
}

// ProgressFunc receives snapshots from the worker loop.
type ProgressFunc func(models.ProgressSnapshot)

// SeedSink receives the seeds a job stores, in batches, off the result path.
// Implementations must not fail the caller and must not keep the seeds slice.
type SeedSink interface {
	Add(ctx context.Context, seeds ...string)
}

// AuditRecorder persists lifecycle events.
type AuditRecorder interface {
	AppendAudit(ctx context.Context, jobID, filterID, event, detail string) error
}

// item travels from the engine callback to the writer. A non-nil ack makes it a
// flush barrier: every row queued before it is committed when ack fires.
type item struct {
	row models.ResultRow
	ack chan error
}

// Job owns one search run: its state machine, engine, writer and checkpoints.
type Job struct {
	id        string
	storePath string
	newEngine engine.Factory
	opts      Options
	sink      SeedSink
	audit     AuditRecorder
	log       *log.Entry
	createdAt time.Time

	mu                sync.RWMutex
	state             models.JobState
	message           string
	err               error
	criteria          models.SearchCriteria
	filter            models.FilterDescriptor
	onProgress        ProgressFunc
	startedAt         time.Time
	finishedAt        time.Time
	pausedAt          time.Time
	pausedFor         time.Duration
	preventCheckpoint bool

	eng        engine.Engine
	store      *store.ResultStore
	cancel     context.CancelFunc
	items      chan item
	stopWriter chan struct{}
	writerDone chan struct{}
	fatal      chan error
	done       chan struct{}
	seeds      chan string
	sinkDone   chan struct{}

	completed atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

// NewJob creates an idle job that will write its results to storePath.
func NewJob(id, storePath string, newEngine engine.Factory, opts Options, sink SeedSink, audit AuditRecorder) *Job {
	return &Job{
		id:        id,
		storePath: storePath,
		newEngine: newEngine,
		opts:      opts.withDefaults(),
		sink:      sink,
		audit:     audit,
		log:       log.WithField("job_id", id),
		createdAt: time.Now(),
		state:     models.StateIdle,
		message:   "idle",
	}
}

func (j *Job) ID() string           { return j.id }
func (j *Job) StorePath() string    { return j.storePath }
func (j *Job) CreatedAt() time.Time { return j.createdAt }

func (j *Job) State() models.JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Err returns the cause of a failed run.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

func (j *Job) Criteria() models.SearchCriteria {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.criteria
}

func (j *Job) Filter() models.FilterDescriptor {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.filter
}

// Start validates the inputs, opens the result store and launches the engine,
// the writer and the worker loop. It does not wait for the search.
func (j *Job) Start(criteria models.SearchCriteria, filter models.FilterDescriptor, onProgress ProgressFunc) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.state.Live():
		return ErrAlreadyRunning
	case j.state.Terminal():
		return ErrJobFinished
	}
	if err := filter.Validate(); err != nil {
		return fmt.Errorf("%w: filter %q: %v", ErrValidationFailed, filter.ID, err)
	}
	if err := criteria.Validate(); err != nil {
		return fmt.Errorf("%w: criteria: %v", ErrValidationFailed, err)
	}

	st, err := store.OpenResultStore(context.Background(), j.storePath, filter.TallyColumns(), store.Options{FlushRows: j.opts.StoreFlushRows})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	j.criteria = criteria
	j.filter = filter
	j.onProgress = onProgress
	j.log = j.log.WithField("filter_id", filter.ID)
	j.store = st
	j.items = make(chan item, j.opts.ResultQueueSize)
	j.stopWriter = make(chan struct{})
	j.writerDone = make(chan struct{})
	j.fatal = make(chan error, 1)
	j.done = make(chan struct{})

	eng := j.newEngine()
	ctx, cancel := context.WithCancel(context.Background())
	if err := eng.Start(ctx, filter, criteria, j.onResult); err != nil {
		cancel()
		_ = eng.Close()
		_ = st.Close()
		j.store, j.done = nil, nil
		return fmt.Errorf("%w: %w", ErrEngineFailure, err)
	}
	j.eng = eng
	j.cancel = cancel
	j.state = models.StateRunning
	j.message = "searching"
	j.startedAt = time.Now()

	if j.sink != nil {
		j.seeds = make(chan string, j.opts.SinkQueueSize)
		j.sinkDone = make(chan struct{})
		go j.feedSink()
	}
	go j.writeLoop()
	go j.run(ctx)

	telemetry.JobsActive.Inc()
	j.log.WithFields(log.Fields{
		"threads":     criteria.ThreadCount,
		"batch_size":  criteria.BatchSize,
		"start_batch": criteria.StartBatch,
		"bounded":     criteria.Bounded(),
		"store":       j.storePath,
	}).Info("search started")
	j.record("started", fmt.Sprintf("start_batch=%d batch_size=%d", criteria.StartBatch, criteria.BatchSize))
	return nil
}

// Pause suspends a running job.
func (j *Job) Pause() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != models.StateRunning {
		return
	}
	j.state = models.StatePaused
	j.message = "paused"
	j.pausedAt = time.Now()
	j.eng.Pause()
	j.log.Info("search paused")
	j.record("paused", "")
}

// Resume continues a paused job.
func (j *Job) Resume() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != models.StatePaused {
		return
	}
	j.pausedFor += time.Since(j.pausedAt)
	j.pausedAt = time.Time{}
	j.state = models.StateRunning
	j.message = "searching"
	j.eng.Resume()
	j.log.Info("search resumed")
	j.record("resumed", "")
}

// Stop cancels a running or paused job. The state flips to cancelled before Stop
// returns; the worker loop then flushes results and writes a final checkpoint
// unless preventCheckpoint is set. Stop never waits for the worker.
func (j *Job) Stop(preventCheckpoint bool) {
	j.mu.Lock()
	if !j.state.Live() {
		j.mu.Unlock()
		return
	}
	if !j.pausedAt.IsZero() {
		j.pausedFor += time.Since(j.pausedAt)
		j.pausedAt = time.Time{}
	}
	j.state = models.StateCancelled
	j.message = "search cancelled by user"
	j.err = ErrOperationCancelled
	j.preventCheckpoint = preventCheckpoint
	cancel, done := j.cancel, j.done
	j.mu.Unlock()

	cancel()
	j.log.Info("search cancellation requested")
	go func() {
		if !waitDone(done, j.opts.StopTimeout) {
			telemetry.StopWaitsAbandoned.Inc()
			j.log.WithField("timeout", j.opts.StopTimeout).Warn("worker loop did not exit in time; abandoning wait")
		}
	}()
}

// Wait blocks until the worker loop exits or timeout passes. It reports whether
// the loop exited. A job that never started counts as exited.
func (j *Job) Wait(timeout time.Duration) bool {
	j.mu.RLock()
	done := j.done
	j.mu.RUnlock()
	if done == nil {
		return true
	}
	return waitDone(done, timeout)
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// Close stops the job if needed, waits up to the stop timeout for the worker loop
// and closes the result store.
func (j *Job) Close() error {
	j.closeOnce.Do(func() {
		j.Stop(false)
		if !j.Wait(j.opts.StopTimeout) {
			j.log.Warn("closing result store while the worker loop is still running")
		}
		j.mu.RLock()
		st := j.store
		j.mu.RUnlock()
		if st != nil {
			j.closeErr = st.Close()
		}
	})
	return j.closeErr
}

// onResult is the engine callback. It may run on many engine goroutines at once
// and only blocks while the writer queue is full.
func (j *Job) onResult(seed string, score int64, tallies []int64) {
	if score < j.criteria.MinScore {
		return
	}
	it := item{row: models.ResultRow{Seed: seed, Score: score, Tallies: append([]int64(nil), tallies...)}}
	select {
	case j.items <- it:
	case <-j.writerDone:
	}
}

// writeLoop is the only goroutine that inserts into the store.
func (j *Job) writeLoop() {
	defer close(j.writerDone)
	for {
		select {
		case it := <-j.items:
			j.handle(it)
		case <-j.stopWriter:
			for {
				select {
				case it := <-j.items:
					j.handle(it)
				default:
					return
				}
			}
		}
	}
}

func (j *Job) handle(it item) {
	ctx := context.Background()
	if it.ack != nil {
		it.ack <- j.store.Flush(ctx)
		return
	}
	if err := j.store.InsertRow(ctx, it.row.Seed, it.row.Score, it.row.Tallies); err != nil {
		select {
		case j.fatal <- fmt.Errorf("%w: %w", ErrStorageFailure, err):
		default:
		}
		return
	}
	telemetry.ResultsInserted.Inc()
	if j.seeds != nil {
		select {
		case j.seeds <- it.row.Seed:
		default:
			telemetry.FertilizerDropped.Inc()
		}
	}
}

// feedSink hands stored seeds to the sink in batches so a slow sink never holds
// up the writer. It exits once seeds is closed and drained.
func (j *Job) feedSink() {
	defer close(j.sinkDone)
	ctx := context.Background()
	batch := make([]string, 0, sinkBatchSize)
	for seed := range j.seeds {
		batch = append(batch[:0], seed)
	fill:
		for len(batch) < sinkBatchSize {
			select {
			case next, ok := <-j.seeds:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		j.sink.Add(ctx, batch...)
	}
}

// drainSink closes the seed queue and waits up to half the stop timeout for the
// sink to take what is left.
func (j *Job) drainSink() {
	if j.seeds == nil {
		return
	}
	close(j.seeds)
	if !waitDone(j.sinkDone, j.opts.StopTimeout/2) {
		j.log.WithField("queued", len(j.seeds)).Warn("fertilizer sink still draining; not waiting")
	}
}

// barrier waits until every row queued so far is committed.
func (j *Job) barrier(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case j.items <- item{ack: ack}:
	case <-j.writerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-j.writerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the worker loop: poll, publish progress, checkpoint, detect the end.
func (j *Job) run(ctx context.Context) {
	ticker := time.NewTicker(j.opts.PollInterval)
	defer ticker.Stop()
	throttle := checkpoint.NewThrottle(j.opts.CheckpointInterval)
	throttle.Reset()

	for {
		select {
		case <-ctx.Done():
			j.finish(models.StateCancelled, nil)
			return
		case err := <-j.fatal:
			j.finish(models.StateFailed, err)
			return
		case <-ticker.C:
		}

		j.observe()
		switch j.eng.Status() {
		case engine.StatusCompleted:
			j.finish(models.StateCompleted, nil)
			return
		case engine.StatusFailed:
			j.finish(models.StateFailed, classifyEngineError(j.eng.Err()))
			return
		}
		if throttle.Due() {
			j.checkpoint(ctx)
		}
		j.publish()
	}
}

func classifyEngineError(err error) error {
	if err == nil {
		err = errors.New("engine reported failure without an error")
	}
	if errors.Is(err, engine.ErrResourceExhausted) {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	return fmt.Errorf("%w: %w", ErrEngineFailure, err)
}

func failureMessage(err error) string {
	if errors.Is(err, ErrResourceExhausted) {
		return fmt.Sprintf("search failed: %v; retry with a smaller batch size or fewer threads", err)
	}
	return fmt.Sprintf("search failed: %v", err)
}

// observe folds the engine's completed count into the monotonic counter.
func (j *Job) observe() {
	j.mu.RLock()
	eng := j.eng
	j.mu.RUnlock()
	if eng == nil {
		return
	}
	n := eng.CompletedBatches()
	for {
		cur := j.completed.Load()
		if n <= cur || j.completed.CompareAndSwap(cur, n) {
			return
		}
	}
}

// checkpoint writes a resume marker for the batches observed so far. It is best
// effort: failures are logged and counted.
func (j *Job) checkpoint(ctx context.Context) {
	completed := j.completed.Load()
	if err := j.barrier(ctx); err != nil {
		if ctx.Err() == nil {
			telemetry.CheckpointFailures.Inc()
			j.log.WithError(err).Warn("flush before checkpoint failed")
		}
		return
	}
	j.saveCheckpoint(completed)
}

func (j *Job) saveCheckpoint(completed uint64) {
	c := j.Criteria()
	cp := models.Checkpoint{
		JobID:              j.id,
		LastCompletedBatch: c.StartBatch + completed,
		BatchSize:          c.BatchSize,
		Criteria:           c,
		UpdatedAt:          time.Now().UTC(),
	}
	if c.Bounded() {
		cp.TotalBatches = c.EndBatch
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := checkpoint.Save(ctx, j.store, cp); err != nil {
		telemetry.CheckpointFailures.Inc()
		j.log.WithError(err).Warn("checkpoint write failed")
		return
	}
	telemetry.CheckpointsWritten.Inc()
	j.log.WithField("last_batch", cp.LastCompletedBatch).Debug("checkpoint written")
}

// finish tears the run down in order: engine, writer, flush, checkpoint.
func (j *Job) finish(outcome models.JobState, cause error) {
	j.cancel()
	if err := j.eng.Close(); err != nil {
		j.log.WithError(err).Warn("engine close failed")
	}
	close(j.stopWriter)
	<-j.writerDone
	j.drainSink()
	j.observe()

	var flushErr *multierror.Error
	if err := j.store.Flush(context.Background()); err != nil {
		flushErr = multierror.Append(flushErr, err)
	}
	// A fatal error may have raced with cancellation or completion.
	select {
	case err := <-j.fatal:
		flushErr = multierror.Append(flushErr, err)
	default:
	}
	if flushErr != nil && outcome != models.StateCancelled {
		outcome = models.StateFailed
		if cause == nil {
			cause = fmt.Errorf("%w: %w", ErrStorageFailure, flushErr.ErrorOrNil())
		}
	}

	j.mu.Lock()
	if j.state.Live() {
		j.state = outcome
		switch outcome {
		case models.StateCompleted:
			j.message = "search completed"
		case models.StateFailed:
			j.err = cause
			j.message = failureMessage(cause)
		case models.StateCancelled:
			j.err = ErrOperationCancelled
			j.message = "search cancelled"
		}
	}
	if !j.pausedAt.IsZero() {
		j.pausedFor += time.Since(j.pausedAt)
		j.pausedAt = time.Time{}
	}
	j.finishedAt = time.Now()
	state, message, prevent := j.state, j.message, j.preventCheckpoint
	j.mu.Unlock()

	if flushErr != nil {
		j.log.WithError(flushErr.ErrorOrNil()).Error("flushing results failed")
	}
	if !prevent {
		j.saveCheckpoint(j.completed.Load())
	}

	telemetry.JobsActive.Dec()
	telemetry.JobsFinished.WithLabelValues(string(state)).Inc()
	entry := j.log.WithFields(log.Fields{"state": state, "batches": j.completed.Load()})
	if state == models.StateFailed {
		entry.WithError(cause).Error(message)
	} else {
		entry.Info(message)
	}
	j.record(string(state), message)
	j.publish()
	close(j.done)
}

func (j *Job) publish() {
	j.mu.RLock()
	fn := j.onProgress
	j.mu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			j.log.WithField("panic", r).Error("progress callback panicked")
		}
	}()
	fn(j.GetProgress())
}

// GetProgress returns a snapshot of the job's counters. Safe at any time.
func (j *Job) GetProgress() models.ProgressSnapshot {
	j.observe()

	j.mu.RLock()
	state, message := j.state, j.message
	c := j.criteria
	eng, st, logger := j.eng, j.store, j.log
	elapsed := j.elapsedLocked(time.Now())
	j.mu.RUnlock()

	completed := j.completed.Load()
	var est progress.Estimate
	if eng != nil {
		est = progress.Compute(progress.Input{
			Completed:       completed,
			StartBatch:      c.StartBatch,
			EndBatch:        c.EndBatch,
			Bounded:         c.Bounded(),
			BatchSize:       c.BatchSize,
			BranchingFactor: eng.BranchingFactor(),
			Elapsed:         elapsed,
		})
	}
	if est.Anomaly {
		telemetry.ThroughputAnomalies.Inc()
		logger.WithField("elapsed", elapsed).Warn("negative throughput clamped to zero")
	}
	snap := models.ProgressSnapshot{
		JobID:            j.id,
		State:            state,
		BatchesCompleted: completed,
		PercentComplete:  est.Percent,
		SeedsSearched:    est.SeedsSearched,
		SeedsPerMs:       est.SeedsPerMs,
		Elapsed:          elapsed,
		Remaining:        est.Remaining,
		RemainingKnown:   est.RemainingKnown && state.Live(),
		Message:          message,
	}
	if st != nil {
		snap.ResultsFound = st.RowCountHint()
	}
	return snap
}

func (j *Job) elapsedLocked(now time.Time) time.Duration {
	if j.startedAt.IsZero() {
		return 0
	}
	end := now
	if !j.finishedAt.IsZero() {
		end = j.finishedAt
	}
	d := end.Sub(j.startedAt) - j.pausedFor
	if !j.pausedAt.IsZero() {
		d -= end.Sub(j.pausedAt)
	}
	return d
}

// sync makes queued rows visible to readers while the writer is alive.
func (j *Job) sync(ctx context.Context) (*store.ResultStore, error) {
	j.mu.RLock()
	st, writerDone := j.store, j.writerDone
	j.mu.RUnlock()
	if st == nil {
		return nil, nil
	}
	select {
	case <-writerDone:
		return st, nil
	default:
	}
	if err := j.barrier(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// GetResultsPage returns stored results, including everything the engine reported
// before the call.
func (j *Job) GetResultsPage(ctx context.Context, offset, limit int, orderBy string, ascending bool) ([]models.ResultRow, error) {
	st, err := j.sync(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return []models.ResultRow{}, nil
	}
	return st.GetResultsPage(ctx, offset, limit, orderBy, ascending)
}

// GetResultCount returns the number of distinct stored results.
func (j *Job) GetResultCount(ctx context.Context) (int64, error) {
	st, err := j.sync(ctx)
	if err != nil {
		return 0, err
	}
	if st == nil {
		return 0, nil
	}
	return st.GetRowCount(ctx)
}

// TallyColumns returns the tally names of the job's result table.
func (j *Job) TallyColumns() []string {
	return j.Filter().TallyColumns()
}

func (j *Job) record(event, detail string) {
	if j.audit == nil {
		return
	}
	filterID := j.filter.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.audit.AppendAudit(ctx, j.id, filterID, event, detail); err != nil {
			j.log.WithError(err).WithField("event", event).Warn("audit write failed")
		}
	}()
}
