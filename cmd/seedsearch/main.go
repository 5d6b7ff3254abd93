package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"seed-search/internal/config"
)

func main() {
	cfg := config.Load()
	cfg.ConfigureLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Info("shutdown requested")
		cancel()
	}()

	if err := rootCmd(cfg).ExecuteContext(ctx); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func rootCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "seedsearch",
		Short:         "seedsearch runs resumable, checkpointed seed searches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		runCmd(cfg),
		resumeCmd(cfg),
		serveCmd(cfg),
		resultsCmd(cfg),
		fertilizerCmd(cfg),
	)
	return cmd
}
