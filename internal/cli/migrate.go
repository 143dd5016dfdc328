package cli

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/database"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			instance, err := database.Connect(ctx, app.DatabaseConfig(root.cfg), root.logger)
			if err != nil {
				return err
			}
			defer instance.Close()

			if err := app.Migrate(ctx, root.cfg, instance, root.logger); err != nil {
				return err
			}
			root.logger.WithContext(ctx).Info("migrations applied")
			return nil
		},
	}
}
