package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/report"
	"github.com/signalnine/tourney/internal/result"
	"github.com/signalnine/tourney/internal/store"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [execution-id]",
		Short: "Print the leaderboard of an execution",
		Long: "Without an argument the latest run directory under results.dir is read. " +
			"With an execution id the leaderboard is read from the store.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			opts := report.Options{Pricing: loadPricing(cfg), Models: teamModels(cfg)}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				resolved, err := filepath.EvalSymlinks(filepath.Join(cfg.Results.Dir, "latest"))
				if err != nil {
					return errors.Wrap(err, "resolving run dir")
				}
				summary, rows, err := report.FromRunDir(resolved)
				if err != nil {
					return err
				}
				if flagFormat == report.FormatJSON {
					return report.Leaderboard(rows, flagFormat, out, opts)
				}
				if err := report.Summary(summary, flagFormat, out); err != nil {
					return err
				}
				fmt.Fprintln(out)
				return report.Leaderboard(rows, flagFormat, out, opts)
			}

			r, err := store.OpenReader(cmd.Context(), storeConfig(cfg), logger)
			if err != nil {
				return err
			}
			defer r.Close()
			rows, state, err := r.Leaderboard(cmd.Context(), result.ExecutionID(args[0]))
			if err != nil {
				return err
			}
			switch state {
			case store.ReadUnavailable:
				fmt.Fprintln(out, "Leaderboard currently unavailable; the store is busy. Try again shortly.")
				return nil
			case store.ReadNoData:
				fmt.Fprintf(out, "No rounds recorded for execution %s.\n", args[0])
				return nil
			}
			return report.Leaderboard(rows, flagFormat, out, opts)
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", report.FormatTable, "output format (table, markdown, json)")
	return cmd
}
