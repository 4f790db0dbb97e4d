package cli

import (
	"github.com/spf13/cobra"

	"github.com/kid-gps-tracker-org/kid-gps-tracker-cloud/internal/db/migrate"
)

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			cfg, logger, err := loadBase()
			if err != nil {
				return err
			}
			if err := migrate.Run(cfg.DSN(), direction); err != nil {
				return err
			}
			logger.Info("migrations applied", "direction", direction)
			return nil
		},
	}
}
