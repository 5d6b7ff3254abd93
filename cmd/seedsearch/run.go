package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"seed-search/internal/api"
	"seed-search/internal/config"
	"seed-search/internal/models"
	"seed-search/internal/ratelimit"
	"seed-search/internal/search"
)

func runCmd(cfg config.Config) *cobra.Command {
	var (
		filterPath string
		httpAddr   string
		cf         criteriaFlags
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one search in the foreground until it finishes or is interrupted",
		Long: `Run one search in the foreground. Interrupting it writes a final checkpoint
so the search can continue later with "seedsearch resume".

Example filter.yaml:

  id: legendary
  must:
    - name: legendary_joker
      min: 8
  should:
    - name: negatives
      weight: 3
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := config.LoadFilter(filterPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			if httpAddr != "" {
				stop := a.serveHTTP(httpAddr)
				defer stop()
			}

			id, err := a.registry.StartJob(cf.criteria(), filter, progressLogger(5*time.Second))
			if err != nil {
				return err
			}
			return a.finishForeground(cmd.Context(), id)
		},
	}
	cmd.Flags().StringVar(&filterPath, "filter", "", "filter descriptor (.json, .yaml or .yml)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "also serve the read-only operator API on this address")
	_ = cmd.MarkFlagRequired("filter")
	cf.bind(cmd)
	return cmd
}

func resumeCmd(cfg config.Config) *cobra.Command {
	var (
		filterPath string
		storePath  string
		jobID      string
		batchSize  int
		threads    int
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a search from the checkpoint in its result store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if storePath == "" && jobID == "" {
				return errors.New("one of --store or --job is required")
			}
			filter, err := config.LoadFilter(filterPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			req := search.ResumeRequest{
				StorePath:   storePath,
				FromJobID:   jobID,
				Filter:      filter,
				ThreadCount: threads,
				OnProgress:  progressLogger(5 * time.Second),
			}
			if cmd.Flags().Changed("batch-size") {
				req.BatchSize = &batchSize
			}
			id, err := a.registry.ResumeFromCheckpoint(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.finishForeground(cmd.Context(), id)
		},
	}
	cmd.Flags().StringVar(&filterPath, "filter", "", "filter descriptor the store was created with")
	cmd.Flags().StringVar(&storePath, "store", "", "result store file of the earlier search")
	cmd.Flags().StringVar(&jobID, "job", "", "id of the earlier search; its store is looked up under DATA_DIR")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "new batch size; the checkpoint is rescaled")
	cmd.Flags().IntVar(&threads, "threads", 0, "new thread count; defaults to the checkpointed one")
	_ = cmd.MarkFlagRequired("filter")
	return cmd
}

func (a *app) finishForeground(ctx context.Context, id string) error {
	j, ok := a.registry.GetJob(id)
	if !ok {
		return fmt.Errorf("job %s vanished", id)
	}
	state := awaitJob(ctx, j, a.cfg.PollInterval)
	n, err := j.GetResultCount(context.Background())
	if err != nil {
		log.WithError(err).Warn("could not count results")
	}
	p := j.GetProgress()
	log.WithFields(log.Fields{
		"job_id":  id,
		"store":   j.StorePath(),
		"state":   state,
		"results": n,
		"batches": p.BatchesCompleted,
	}).Info(p.Message)
	if state == models.StateFailed {
		return j.Err()
	}
	return nil
}

// serveHTTP starts the operator API in the background and returns its shutdown func.
func (a *app) serveHTTP(addr string) func() {
	var limiter *ratelimit.TokenBucket
	if a.redis != nil {
		limiter = ratelimit.NewTokenBucket(a.redis, a.cfg.ResultsRateCapacity, a.cfg.ResultsRateRefill, time.Hour)
	}
	var server *api.Server
	if a.audit != nil {
		server = api.New(a.registry, limiter, a.audit)
	} else {
		server = api.New(a.registry, limiter, nil)
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("operator api listening on %s", addr)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("operator api stopped")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}
}
