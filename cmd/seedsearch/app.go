package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"seed-search/internal/config"
	"seed-search/internal/fertilizer"
	"seed-search/internal/models"
	"seed-search/internal/search"
	"seed-search/internal/store"
)

// app holds the process-wide collaborators shared by every job.
type app struct {
	cfg      config.Config
	registry *search.Registry
	sink     *fertilizer.Sink
	redis    *redis.Client
	audit    *store.AuditLog
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	var seen fertilizer.SeenSet
	if a.redis != nil {
		seen = fertilizer.NewRedisSeenSet(a.redis, cfg.FertilizerRedisKey)
	}
	sink, err := fertilizer.Open(cfg.FertilizerPath, cfg.FertilizerCacheSize, seen)
	if err != nil {
		// The corpus is best effort; searches run without it.
		log.WithError(err).Warn("fertilizer disabled")
	} else {
		a.sink = sink
	}

	if cfg.PostgresDSN != "" {
		audit, err := store.NewAuditLog(ctx, cfg.PostgresDSN)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("audit log: %w", err)
		}
		a.audit = audit
	}

	rc := search.RegistryConfig{
		DataDir: cfg.DataDir,
		Options: search.Options{
			PollInterval:       cfg.PollInterval,
			CheckpointInterval: cfg.CheckpointInterval,
			StopTimeout:        cfg.StopTimeout,
			ResultQueueSize:    cfg.ResultQueueSize,
			StoreFlushRows:     cfg.StoreFlushRows,
		},
	}
	if a.sink != nil {
		rc.Sink = a.sink
	}
	if a.audit != nil {
		rc.Audit = a.audit
	}
	a.registry = search.NewRegistry(rc)
	return a, nil
}

// close stops every job, then releases shared resources.
func (a *app) close() error {
	var result *multierror.Error
	if a.registry != nil {
		if err := a.registry.StopAllJobs(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close fertilizer: %w", err))
		}
	}
	if a.audit != nil {
		a.audit.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close redis: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// progressLogger logs snapshots at most once per interval, plus every state change.
func progressLogger(interval time.Duration) search.ProgressFunc {
	var (
		last      time.Time
		lastState models.JobState
	)
	return func(p models.ProgressSnapshot) {
		if p.State == lastState && time.Since(last) < interval {
			return
		}
		last, lastState = time.Now(), p.State
		entry := log.WithFields(log.Fields{
			"job_id":       p.JobID,
			"state":        p.State,
			"batches":      p.BatchesCompleted,
			"percent":      fmt.Sprintf("%.2f", p.PercentComplete),
			"seeds":        p.SeedsSearched,
			"seeds_per_ms": fmt.Sprintf("%.1f", p.SeedsPerMs),
			"results":      p.ResultsFound,
		})
		if p.RemainingKnown {
			entry = entry.WithField("remaining", p.Remaining.Round(time.Second))
		}
		entry.Info(p.Message)
	}
}

// awaitJob blocks until the job ends or ctx is cancelled, in which case the job
// is stopped with a final checkpoint.
func awaitJob(ctx context.Context, j *search.Job, poll time.Duration) models.JobState {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.Stop(false)
			j.Wait(time.Minute)
			return j.State()
		case <-ticker.C:
			if st := j.State(); st.Terminal() {
				j.Wait(time.Minute)
				return st
			}
		}
	}
}

type criteriaFlags struct {
	threads   int
	batchSize int
	start     uint64
	end       uint64
	minScore  int64
	debugSeed string
	deck      string
	stake     string
}

func (f *criteriaFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.IntVar(&f.threads, "threads", 4, "worker threads")
	fl.IntVar(&f.batchSize, "batch-size", 2, "batch size exponent; one batch covers 35^(n+1) seeds")
	fl.Uint64Var(&f.start, "start", 0, "first batch index")
	fl.Uint64Var(&f.end, "end", 0, "exclusive end batch index; 0 searches the whole space")
	fl.Int64Var(&f.minScore, "min-score", 0, "drop matches scoring below this")
	fl.StringVar(&f.debugSeed, "debug-seed", "", "evaluate this single seed only")
	fl.StringVar(&f.deck, "deck", "", "deck selector passed to the engine")
	fl.StringVar(&f.stake, "stake", "", "stake selector passed to the engine")
}

func (f *criteriaFlags) criteria() models.SearchCriteria {
	end := f.end
	if end == 0 {
		end = models.UnboundedBatch
	}
	return models.SearchCriteria{
		ThreadCount: f.threads,
		BatchSize:   f.batchSize,
		StartBatch:  f.start,
		EndBatch:    end,
		MinScore:    f.minScore,
		DebugSeed:   f.debugSeed,
		Deck:        f.deck,
		Stake:       f.stake,
	}
}
