package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newMigrateCmd creates the 'migrate' subcommand applying the sales schema.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Creates the sales table and indexes if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Store().Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			appInstance.Logger().Info("schema is up to date", zap.String("table", appInstance.Config().DB.Table))
			return nil
		},
	}
}
