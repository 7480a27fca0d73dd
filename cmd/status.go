package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/result"
	"github.com/signalnine/tourney/internal/store"
)

var flagWatch time.Duration

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show live round progress of an execution",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			r, err := store.OpenReader(cmd.Context(), storeConfig(cfg), logger)
			if err != nil {
				return err
			}
			defer r.Close()

			var exec result.ExecutionID
			if len(args) > 0 {
				exec = result.ExecutionID(args[0])
			}
			out := cmd.OutOrStdout()
			if flagWatch <= 0 {
				return printStatus(cmd.Context(), r, exec, out)
			}

			ticker := time.NewTicker(flagWatch)
			defer ticker.Stop()
			for {
				if err := printStatus(cmd.Context(), r, exec, out); err != nil {
					return err
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
					fmt.Fprintln(out)
				}
			}
		},
	}
	cmd.Flags().DurationVar(&flagWatch, "watch", 0, "refresh at this interval until interrupted")
	return cmd
}

// printStatus prints one progress snapshot. A busy store is reported, not
// treated as an error.
func printStatus(ctx context.Context, r *store.Reader, exec result.ExecutionID, out io.Writer) error {
	if exec == "" {
		latest, state, err := r.LatestExecution(ctx)
		if err != nil {
			return err
		}
		if done := reportState(out, state); done {
			return nil
		}
		exec = latest.ID
	}

	progress, state, err := r.Progress(ctx, exec)
	if err != nil {
		return err
	}
	if done := reportState(out, state); done {
		return nil
	}
	rows, rowState, err := r.Leaderboard(ctx, exec)
	if err != nil {
		return err
	}
	finals := map[string]result.LeaderBoardEntry{}
	if rowState == store.ReadAvailable {
		for _, row := range rows {
			if row.FinalSubmission {
				finals[row.TeamID] = row
			}
		}
	}

	fmt.Fprintf(out, "Execution %s\n", exec)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TEAM\tROUND\tSTATE\tUPDATED")
	for _, p := range progress {
		round := fmt.Sprintf("%d", p.CurrentRound)
		if p.TotalRounds > 0 {
			round = fmt.Sprintf("%d/%d", p.CurrentRound, p.TotalRounds)
		}
		st := "running"
		if f, ok := finals[p.TeamID]; ok {
			st = fmt.Sprintf("done (%.1f, %s)", f.Score, f.ExitReasonString())
		} else if p.Ended() {
			st = fmt.Sprintf("%s (%s)", p.State, p.ExitReasonString())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.TeamID, round, st, p.UpdatedAt.Local().Format("15:04:05"))
	}
	return tw.Flush()
}

func reportState(out io.Writer, state store.ReadState) bool {
	switch state {
	case store.ReadUnavailable:
		fmt.Fprintln(out, "Status currently unavailable; the store is busy.")
		return true
	case store.ReadNoData:
		fmt.Fprintln(out, "No progress recorded yet.")
		return true
	}
	return false
}
