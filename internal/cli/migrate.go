package cli

import (
	"fmt"

	"github.com/dukerupert/newsletter-admin/internal/database"
	"github.com/spf13/cobra"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.ValidateDatabase(); err != nil {
				return err
			}
			db, err := database.Connect(a.cfg.DB.Driver, a.cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(db, a.cfg.DB.Driver); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			a.logger.Info("migrations applied", "driver", a.cfg.DB.Driver)
			return nil
		},
	}
}
