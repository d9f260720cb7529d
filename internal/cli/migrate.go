package cli

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/config"
	"github.com/Shivanand-hulikatti/referral-waitroom/internal/database"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Apply pending schema migrations to the configured database.

serve applies migrations on start-up as well; migrate lets a deploy step do
it ahead of time. Safe to run concurrently from several hosts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := opts.Config.Database
			switch cfg.Driver {
			case config.DriverPostgres:
				pool, err := database.NewPool(ctx, cfg.Postgres)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := database.MigratePostgres(ctx, pool); err != nil {
					return err
				}
			case config.DriverSQLite:
				db, err := database.OpenSQLite(ctx, cfg.SQLite.Path)
				if err != nil {
					return err
				}
				if err := db.Close(); err != nil {
					return errors.WithStack(err)
				}
			default:
				log.Infof("driver %s has no schema to migrate", cfg.Driver)
				return nil
			}
			log.Infof("%s schema is up to date", cfg.Driver)
			return nil
		},
	}
}
