package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/result"
	"github.com/signalnine/tourney/internal/store"
)

var flagRescoreAll bool

func newRescoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rescore [execution-id]",
		Short: "Re-score stored submissions with the current metrics",
		Long: "Re-evaluate the final submission of every team (or every round with --all) " +
			"using the metrics in the current config. Stored rows are never modified.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			loadSecrets(cfg.Secrets.EnvFile)

			r, err := store.OpenReader(ctx, storeConfig(cfg), logger)
			if err != nil {
				return err
			}
			defer r.Close()

			var exec result.ExecutionID
			if len(args) > 0 {
				exec = result.ExecutionID(args[0])
			} else {
				latest, state, err := r.LatestExecution(ctx)
				if err != nil {
					return err
				}
				if state != store.ReadAvailable {
					return errors.Newf("no execution to rescore (store %s)", state)
				}
				exec = latest.ID
			}
			rows, state, err := r.Leaderboard(ctx, exec)
			if err != nil {
				return err
			}
			if state != store.ReadAvailable {
				return errors.Newf("no rows for execution %s (store %s)", exec, state)
			}

			chat, _, stopGateway, err := connectGateway(ctx, cfg, cfg.Results.Dir)
			if err != nil {
				return err
			}
			defer stopGateway()
			evaluator, err := buildEvaluator(cfg, chat)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TEAM\tROUND\tSTORED\tRESCORED\tDELTA")
			for _, row := range rows {
				if !flagRescoreAll && !row.FinalSubmission {
					continue
				}
				eval, err := evaluator.Evaluate(ctx, cfg.Task.Query, result.Submission{
					Content: row.SubmissionContent,
					Format:  row.SubmissionFormat,
				})
				if err != nil {
					logger.Warnw("Rescore failed", "team", row.TeamID, "round", row.RoundNumber, "error", err)
					fmt.Fprintf(tw, "%s\t%d\t%.1f\t-\t-\n", row.TeamID, row.RoundNumber, row.Score)
					continue
				}
				fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.1f\t%+.1f\n",
					row.TeamID, row.RoundNumber, row.Score, eval.Score, eval.Score-row.Score)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&flagRescoreAll, "all", false, "rescore every round, not only final submissions")
	return cmd
}
