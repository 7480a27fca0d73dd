package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalnine/tourney/internal/agent"
	"github.com/signalnine/tourney/internal/config"
	"github.com/signalnine/tourney/internal/docker"
	"github.com/signalnine/tourney/internal/errors"
	"github.com/signalnine/tourney/internal/judgment"
	"github.com/signalnine/tourney/internal/report"
	"github.com/signalnine/tourney/internal/result"
	"github.com/signalnine/tourney/internal/runner"
	"github.com/signalnine/tourney/internal/store"
)

var (
	flagTeams      []string
	flagRounds     int
	flagParallel   int
	flagSequential bool
	flagRunFormat  string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a tournament",
		RunE:  runTournament,
	}
	cmd.Flags().StringSliceVar(&flagTeams, "team", nil, "run only these team ids (repeatable)")
	cmd.Flags().IntVar(&flagRounds, "rounds", 0, "override rounds.max")
	cmd.Flags().IntVar(&flagParallel, "parallel", 0, "override concurrency.max_parallel")
	cmd.Flags().BoolVar(&flagSequential, "sequential", false, "run teams one at a time")
	cmd.Flags().StringVar(&flagRunFormat, "format", report.FormatTable, "output format (table, markdown, json)")
	return cmd
}

func runTournament(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if flagRounds > 0 {
		cfg.Rounds.Max = flagRounds
	}
	if flagParallel > 0 {
		cfg.Concurrency.MaxParallel = flagParallel
	}
	if flagSequential {
		cfg.Concurrency.Policy = config.PolicySequential
	}
	teams, err := filterTeams(cfg.Teams, flagTeams)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDir, err := result.CreateRunDir(cfg.Results.Dir)
	if err != nil {
		return err
	}
	logger.Infow("Run directory", "path", runDir)

	loadSecrets(cfg.Secrets.EnvFile)
	chat, gatewayURL, stopGateway, err := connectGateway(ctx, cfg, runDir)
	if err != nil {
		return err
	}
	defer stopGateway()

	st, err := store.Open(ctx, storeConfig(cfg), logger)
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	defer st.Close()

	evaluator, err := buildEvaluator(cfg, chat)
	if err != nil {
		return err
	}
	var judgeChat judgment.Chatter
	if chat != nil {
		judgeChat = chat
	}
	judge, err := judgment.FromConfig(cfg.Judgment, cfg.Task.Query, judgeChat, logger)
	if err != nil {
		return err
	}

	agents := agent.DefaultRegistry()
	deps := agent.Deps{
		GatewayURL: gatewayURL,
		WorkRoot:   filepath.Join(runDir, "teams"),
		Containers: docker.RunContainer,
		Logger:     logger,
	}
	if chat != nil {
		deps.Chat = chat
	}

	byID := make(map[string]config.Team, len(teams))
	entrants := make([]result.Team, len(teams))
	for i, t := range teams {
		byID[t.ID] = t
		entrants[i] = result.Team{ID: t.ID, Name: t.Name}
	}

	orch := runner.NewOrchestrator(runner.OrchestratorOpts{
		Task:      result.Task{Query: cfg.Task.Query, Format: cfg.Task.Format},
		Store:     st,
		Evaluator: evaluator,
		Judge:     judge,
		NewAgent: func(team result.Team) (agent.Agent, error) {
			return agents.New(byID[team.ID], deps)
		},
		MaxRounds:         cfg.Rounds.Max,
		RoundCap:          cfg.Rounds.Cap,
		Policy:            cfg.Concurrency.Policy,
		MaxParallel:       cfg.Concurrency.MaxParallel,
		SubmissionTimeout: cfg.Timeouts.Submission,
		JudgmentTimeout:   cfg.Timeouts.Judgment,
		Logger:            logger,
	})

	exec := result.NewExecutionID()
	summary, err := orch.Run(ctx, exec, entrants)
	if err != nil {
		return err
	}

	rows, err := st.QueryByExecution(context.WithoutCancel(ctx), exec)
	if err != nil {
		logger.Warnw("Could not read rows for run artifacts", "error", err)
	}
	if err := writeArtifacts(runDir, summary, rows); err != nil {
		logger.Warnw("Could not write run artifacts", "error", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\n--- Results ---")
	if err := report.Summary(summary, flagRunFormat, out); err != nil {
		return err
	}
	if flagRunFormat != report.FormatJSON {
		fmt.Fprintln(out)
		if err := report.Leaderboard(rows, flagRunFormat, out, report.Options{
			Pricing: loadPricing(cfg),
			Models:  teamModels(cfg),
		}); err != nil {
			return err
		}
	}

	if summary.Aborted {
		return errors.Newf("execution %s aborted: %s", exec, summary.AbortReason)
	}
	return nil
}

// writeArtifacts leaves summary.json and one rounds.json per team in runDir.
func writeArtifacts(runDir string, summary *result.ExecutionSummary, rows []result.LeaderBoardEntry) error {
	if err := result.WriteSummary(runDir, summary); err != nil {
		return err
	}
	byTeam := map[string][]result.LeaderBoardEntry{}
	for _, r := range rows {
		byTeam[r.TeamID] = append(byTeam[r.TeamID], r)
	}
	for team, entries := range byTeam {
		if err := result.WriteEntries(result.TeamDir(runDir, team), entries); err != nil {
			return err
		}
	}
	return nil
}
