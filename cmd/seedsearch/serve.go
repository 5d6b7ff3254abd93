package main

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"seed-search/internal/config"
	"seed-search/internal/models"
)

func serveCmd(cfg config.Config) *cobra.Command {
	var (
		filterPaths []string
		cf          criteriaFlags
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one search per filter concurrently behind the read-only operator API",
		Long: `Start one search per --filter and serve /healthz, /metrics and the job views on
HTTP_ADDR until every search ends or the process is interrupted. Interrupted
searches write a final checkpoint.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters := make([]models.FilterDescriptor, 0, len(filterPaths))
			for _, p := range filterPaths {
				f, err := config.LoadFilter(p)
				if err != nil {
					return err
				}
				filters = append(filters, f)
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			stop := a.serveHTTP(cfg.HTTPAddr)
			defer stop()

			for _, f := range filters {
				id, err := a.registry.StartJob(cf.criteria(), f, progressLogger(30*time.Second))
				if err != nil {
					return err
				}
				log.WithFields(log.Fields{"job_id": id, "filter_id": f.ID}).Info("search scheduled")
			}

			ticker := time.NewTicker(cfg.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					log.Info("stopping all searches")
					return a.registry.StopAllJobs()
				case <-ticker.C:
					if allFinished(a) {
						log.Info("all searches finished; press ctrl-c to stop the operator api")
						<-cmd.Context().Done()
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringArrayVar(&filterPaths, "filter", nil, "filter descriptor; repeat for several concurrent searches")
	_ = cmd.MarkFlagRequired("filter")
	cf.bind(cmd)
	return cmd
}

func allFinished(a *app) bool {
	for _, j := range a.registry.ListJobs() {
		if !j.State().Terminal() {
			return false
		}
	}
	return true
}
