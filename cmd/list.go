package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/store"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured teams, metrics and past executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Teams:")
			for _, t := range cfg.Teams {
				fmt.Fprintf(out, "  - %s (%s, agent: %s)\n", t.ID, t.Name, t.Agent)
			}
			fmt.Fprintln(out, "\nMetrics:")
			for _, m := range cfg.Evaluation.Metrics {
				fmt.Fprintf(out, "  - %s [%s] weight %g\n", m.Name, m.Kind, m.Weight)
			}
			fmt.Fprintf(out, "\nJudgment: %s (max %d attempts)\n", cfg.Judgment.Provider, cfg.Judgment.MaxAttempts)

			r, err := store.OpenReader(cmd.Context(), storeConfig(cfg), logger)
			if err != nil {
				return err
			}
			defer r.Close()
			execs, state, err := r.Executions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "\nExecutions:")
			switch state {
			case store.ReadUnavailable:
				fmt.Fprintln(out, "  currently unavailable")
			case store.ReadNoData:
				fmt.Fprintln(out, "  none")
			default:
				for _, e := range execs {
					finished := "running"
					if e.FinishedAt != nil {
						finished = "finished " + e.FinishedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(out, "  - %s started %s, %s\n", e.ID, e.StartedAt.Format("2006-01-02 15:04:05"), finished)
				}
			}
			return nil
		},
	}
}
