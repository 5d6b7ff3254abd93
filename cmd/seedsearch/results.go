package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"seed-search/internal/checkpoint"
	"seed-search/internal/config"
	"seed-search/internal/models"
	"seed-search/internal/store"
)

func resultsCmd(cfg config.Config) *cobra.Command {
	var (
		filterPath string
		limit      int
		offset     int
		order      string
		asc        bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "results <store.db>",
		Short: "Print a page of results and the checkpoint of a stopped search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := config.LoadFilter(filterPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(args[0]); err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := store.OpenResultStore(ctx, args[0], filter.TallyColumns(), store.Options{})
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.GetResultsPage(ctx, offset, limit, order, asc)
			if err != nil {
				return err
			}
			total, err := st.GetRowCount(ctx)
			if err != nil {
				return err
			}
			cp, found, err := checkpoint.Load(ctx, st)
			if err != nil {
				return err
			}

			if asJSON {
				out := map[string]any{"total": total, "rows": rows, "tallies": st.Tallies()}
				if found {
					out["checkpoint"] = cp
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			printRows(st.Tallies(), rows)
			fmt.Printf("\n%d of %d results", len(rows), total)
			if found {
				fmt.Printf("; checkpoint at batch %d (batch size %d, job %s, %s)",
					cp.LastCompletedBatch, cp.BatchSize, cp.JobID, cp.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringVar(&filterPath, "filter", "", "filter descriptor the store was created with")
	cmd.Flags().IntVar(&limit, "limit", 20, "rows per page")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.Flags().StringVar(&order, "order", "score", "column to order by: seed, score or a tally")
	cmd.Flags().BoolVar(&asc, "asc", false, "ascending order")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("filter")
	return cmd
}

func printRows(tallies []string, rows []models.ResultRow) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	header := append([]string{"SEED", "SCORE"}, tallies...)
	fmt.Fprintln(w, strings.ToUpper(strings.Join(header, "\t")))
	for _, r := range rows {
		cells := make([]string, 0, 2+len(r.Tallies))
		cells = append(cells, r.Seed, fmt.Sprint(r.Score))
		for _, t := range r.Tallies {
			cells = append(cells, fmt.Sprint(t))
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()
}
