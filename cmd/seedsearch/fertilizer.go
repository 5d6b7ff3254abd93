package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"seed-search/internal/config"
	"seed-search/internal/fertilizer"
)

func fertilizerCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fertilizer",
		Short: "Inspect or export the corpus of seeds matched by earlier searches",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Count the seeds in the fertilizer file and the shared Redis set",
			RunE: func(cmd *cobra.Command, _ []string) error {
				seeds, err := fertilizer.ReadSeeds(cfg.FertilizerPath)
				if err != nil {
					return err
				}
				fields := log.Fields{"path": cfg.FertilizerPath, "seeds": len(seeds)}
				if cfg.RedisAddr != "" {
					client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
					defer client.Close()
					n, err := fertilizer.NewRedisSeenSet(client, cfg.FertilizerRedisKey).Len(cmd.Context())
					if err != nil {
						log.WithError(err).Warn("could not read shared seen-set")
					} else {
						fields["shared_seeds"] = n
					}
				}
				log.WithFields(fields).Info("fertilizer corpus")
				return nil
			},
		},
		&cobra.Command{
			Use:   "export",
			Short: "Upload the fertilizer file to FERTILIZER_S3_BUCKET",
			RunE: func(cmd *cobra.Command, _ []string) error {
				exp, err := fertilizer.NewS3Exporter(cmd.Context(), fertilizer.S3Config{
					Bucket:    cfg.FertilizerS3Bucket,
					Key:       cfg.FertilizerS3Key,
					Region:    cfg.FertilizerS3Region,
					Endpoint:  cfg.FertilizerS3Endpoint,
					PathStyle: cfg.FertilizerS3PathStyle,
				})
				if err != nil {
					return err
				}
				url, err := exp.Export(cmd.Context(), cfg.FertilizerPath)
				if err != nil {
					return fmt.Errorf("export fertilizer: %w", err)
				}
				log.WithField("url", url).Info("fertilizer exported")
				return nil
			},
		},
	)
	return cmd
}
