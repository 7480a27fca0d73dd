package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalnine/tourney/internal/logging"
)

var (
	cfgFile     string
	flagLogJSON bool
	flagVerbose bool

	logger = logging.Nop()
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tourney",
		Short:         "Multi-round evaluation tournament for competing agents",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logging.New(logging.Options{JSON: flagLogJSON, Verbose: flagVerbose})
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			syncLogger(logger)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "tourney.yaml", "config file path")
	root.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit JSON logs")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newRescoreCmd())
	return root
}

func syncLogger(l *zap.SugaredLogger) {
	// stderr sync fails on some terminals; nothing useful to do about it.
	_ = l.Sync()
}
