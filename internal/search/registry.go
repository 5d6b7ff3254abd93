package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"seed-search/internal/checkpoint"
	"seed-search/internal/engine"
	"seed-search/internal/models"
	"seed-search/internal/store"
	"seed-search/internal/telemetry"
)

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	// DataDir holds one result store file per job.
	DataDir string
	Engine  engine.Factory
	Options Options
	// Sink and Audit are optional.
	Sink  SeedSink
	Audit AuditRecorder
}

// Registry is the process-wide table of jobs. It is the only place jobs are
// created or removed.
type Registry struct {
	cfg RegistryConfig
	log *log.Entry

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Engine == nil {
		cfg.Engine = engine.SyntheticFactory
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	cfg.Options = cfg.Options.withDefaults()
	return &Registry{
		cfg:  cfg,
		log:  log.WithField("component", "registry"),
		jobs: make(map[string]*Job),
	}
}

// StorePathFor returns where a job id's results live by default.
func (r *Registry) StorePathFor(jobID string) string {
	return filepath.Join(r.cfg.DataDir, jobID+".db")
}

// StartJob creates, registers and starts a job. Every call yields a new id.
func (r *Registry) StartJob(criteria models.SearchCriteria, filter models.FilterDescriptor, onProgress ProgressFunc) (string, error) {
	id := uuid.NewString()
	return r.start(id, r.StorePathFor(id), criteria, filter, onProgress)
}

func (r *Registry) start(id, storePath string, criteria models.SearchCriteria, filter models.FilterDescriptor, onProgress ProgressFunc) (string, error) {
	job := NewJob(id, storePath, r.cfg.Engine, r.cfg.Options, r.cfg.Sink, r.cfg.Audit)

	r.mu.Lock()
	if _, taken := r.jobs[id]; taken {
		r.mu.Unlock()
		return "", fmt.Errorf("job id %s already registered", id)
	}
	if other := r.jobOnStoreLocked(storePath); other != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s (job %s)", ErrStoreInUse, storePath, other.ID())
	}
	r.jobs[id] = job
	r.mu.Unlock()

	if err := job.Start(criteria, filter, onProgress); err != nil {
		r.mu.Lock()
		delete(r.jobs, id)
		r.mu.Unlock()
		return "", err
	}
	telemetry.JobsStarted.Inc()
	return id, nil
}

func (r *Registry) jobOnStoreLocked(storePath string) *Job {
	for _, j := range r.jobs {
		if j.StorePath() == storePath {
			return j
		}
	}
	return nil
}

// ResumeRequest describes a restart from a store's checkpoint.
type ResumeRequest struct {
	// StorePath of the earlier job; FromJobID resolves to it when StorePath is empty.
	StorePath string
	FromJobID string
	Filter    models.FilterDescriptor
	// BatchSize, when set, rescales the checkpointed batch index.
	BatchSize *int
	// ThreadCount, when positive, replaces the checkpointed thread count.
	ThreadCount int
	OnProgress  ProgressFunc
}

// ResumeFromCheckpoint starts a new job that continues where the checkpoint in an
// existing store left off. The new job writes into the same store, so earlier
// results are kept and keep deduplicating new matches. A finished job still
// registered on that store is removed first.
func (r *Registry) ResumeFromCheckpoint(ctx context.Context, req ResumeRequest) (string, error) {
	path := req.StorePath
	if path == "" {
		if req.FromJobID == "" {
			return "", fmt.Errorf("%w: store path or job id required", ErrValidationFailed)
		}
		if j, ok := r.GetJob(req.FromJobID); ok {
			path = j.StorePath()
		} else {
			path = r.StorePathFor(req.FromJobID)
		}
	}
	if err := req.Filter.Validate(); err != nil {
		return "", fmt.Errorf("%w: filter %q: %v", ErrValidationFailed, req.Filter.ID, err)
	}

	r.mu.Lock()
	prev := r.jobOnStoreLocked(path)
	if prev != nil {
		if prev.State().Live() {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: %s (job %s)", ErrStoreInUse, path, prev.ID())
		}
		delete(r.jobs, prev.ID())
	}
	r.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			r.log.WithError(err).WithField("job_id", prev.ID()).Warn("closing finished job before resume")
		}
	}

	cp, err := r.loadCheckpoint(ctx, path, req.Filter)
	if err != nil {
		return "", err
	}
	criteria, err := r.resumeCriteria(cp, req)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	r.log.WithFields(log.Fields{
		"from_job":    cp.JobID,
		"new_job":     id,
		"last_batch":  cp.LastCompletedBatch,
		"start_batch": criteria.StartBatch,
		"batch_size":  criteria.BatchSize,
	}).Info("resuming search from checkpoint")
	return r.start(id, path, criteria, req.Filter, req.OnProgress)
}

// LoadCheckpoint reads the checkpoint of a store that no live job is writing to.
func (r *Registry) LoadCheckpoint(ctx context.Context, storePath string, filter models.FilterDescriptor) (models.Checkpoint, error) {
	r.mu.RLock()
	j := r.jobOnStoreLocked(storePath)
	r.mu.RUnlock()
	if j != nil && j.State().Live() {
		return models.Checkpoint{}, fmt.Errorf("%w: %s (job %s)", ErrStoreInUse, storePath, j.ID())
	}
	return r.loadCheckpoint(ctx, storePath, filter)
}

func (r *Registry) loadCheckpoint(ctx context.Context, path string, filter models.FilterDescriptor) (models.Checkpoint, error) {
	// Opening a missing store would create an empty one.
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Checkpoint{}, fmt.Errorf("%w: no result store at %s", ErrValidationFailed, path)
		}
		return models.Checkpoint{}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	st, err := store.OpenResultStore(ctx, path, filter.TallyColumns(), store.Options{})
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	defer st.Close()
	cp, found, err := checkpoint.Load(ctx, st)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}
	if !found {
		return models.Checkpoint{}, fmt.Errorf("%w: no checkpoint in %s", ErrValidationFailed, path)
	}
	return cp, nil
}

func (r *Registry) resumeCriteria(cp models.Checkpoint, req ResumeRequest) (models.SearchCriteria, error) {
	c := cp.Criteria
	c.StartBatch = cp.LastCompletedBatch
	if req.BatchSize != nil && *req.BatchSize != cp.BatchSize {
		eng := r.cfg.Engine()
		branching := eng.BranchingFactor()
		_ = eng.Close()

		to := *req.BatchSize
		c.StartBatch = checkpoint.ConvertBatchNumber(cp.LastCompletedBatch, cp.BatchSize, to, branching)
		if c.Bounded() {
			c.EndBatch = convertEndBatch(c.EndBatch, cp.BatchSize, to, branching)
		}
		c.BatchSize = to
	}
	if req.ThreadCount > 0 {
		c.ThreadCount = req.ThreadCount
	}
	if c.Bounded() && c.StartBatch >= c.EndBatch {
		return c, fmt.Errorf("%w: checkpoint at batch %d already covers the range ending at %d", ErrValidationFailed, c.StartBatch, c.EndBatch)
	}
	return c, nil
}

// convertEndBatch rescales an exclusive end index, rounding up so no seed of the
// original range is dropped.
func convertEndBatch(end uint64, from, to int, branching uint64) uint64 {
	if to <= from {
		return checkpoint.ConvertBatchNumber(end, from, to, branching)
	}
	q := checkpoint.ConvertBatchNumber(end, from, to, branching)
	if checkpoint.ConvertBatchNumber(q, to, from, branching) < end {
		q++
	}
	return q
}

// GetJob looks a job up by id.
func (r *Registry) GetJob(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// ListJobs returns every registered job, oldest first.
func (r *Registry) ListJobs() []*Job {
	r.mu.RLock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt().Equal(out[b].CreatedAt()) {
			return out[a].ID() < out[b].ID()
		}
		return out[a].CreatedAt().Before(out[b].CreatedAt())
	})
	return out
}

func (r *Registry) mustGet(id string) (*Job, error) {
	j, ok := r.GetJob(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// PauseJob pauses a running job.
func (r *Registry) PauseJob(id string) error {
	j, err := r.mustGet(id)
	if err != nil {
		return err
	}
	j.Pause()
	return nil
}

// ResumeJob continues a paused job.
func (r *Registry) ResumeJob(id string) error {
	j, err := r.mustGet(id)
	if err != nil {
		return err
	}
	j.Resume()
	return nil
}

// GetProgress returns a job's current snapshot.
func (r *Registry) GetProgress(id string) (models.ProgressSnapshot, error) {
	j, err := r.mustGet(id)
	if err != nil {
		return models.ProgressSnapshot{}, err
	}
	return j.GetProgress(), nil
}

// GetResultsPage returns one page of a job's results.
func (r *Registry) GetResultsPage(ctx context.Context, id string, offset, limit int, orderBy string, ascending bool) ([]models.ResultRow, error) {
	j, err := r.mustGet(id)
	if err != nil {
		return nil, err
	}
	return j.GetResultsPage(ctx, offset, limit, orderBy, ascending)
}

// GetResultCount returns how many distinct results a job has stored.
func (r *Registry) GetResultCount(ctx context.Context, id string) (int64, error) {
	j, err := r.mustGet(id)
	if err != nil {
		return 0, err
	}
	return j.GetResultCount(ctx)
}

// StopJob stops a job and removes it. Unknown or finished ids are not an error.
func (r *Registry) StopJob(id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	delete(r.jobs, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return j.Close()
}

// StopAllJobs stops and removes every job concurrently.
func (r *Registry) StopAllJobs() error {
	return r.stopWhere(func(*Job) bool { return true })
}

// StopJobsByFilterID stops and removes every job running the given filter.
func (r *Registry) StopJobsByFilterID(filterID string) error {
	return r.stopWhere(func(j *Job) bool { return j.Filter().ID == filterID })
}

func (r *Registry) stopWhere(match func(*Job) bool) error {
	r.mu.Lock()
	var victims []*Job
	for id, j := range r.jobs {
		if match(j) {
			victims = append(victims, j)
			delete(r.jobs, id)
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, j := range victims {
		j := j
		g.Go(func() error {
			if err := j.Close(); err != nil {
				return fmt.Errorf("stop job %s: %w", j.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
