// Package cli holds the fern command line.
package cli

import (
	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/app"
)

type rootOptions struct {
	envFile string
	cfg     config.Config
	logger  ectologger.Logger
	flush   func()
}

// NewRootCmd builds the fern command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "fern",
		Short:         "Delta synchronization of entity snapshots into a document store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.envFile)
			if err != nil {
				return err
			}
			logger, flush, err := app.NewLogger(cfg)
			if err != nil {
				return err
			}
			opts.cfg, opts.logger, opts.flush = cfg, logger, flush
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.flush != nil {
				opts.flush()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional dotenv file loaded before the environment")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newReconcileCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	return cmd
}
