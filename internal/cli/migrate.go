package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cswenor/conductor-sub003/internal/config"
	"github.com/cswenor/conductor-sub003/internal/db"
	"github.com/cswenor/conductor-sub003/internal/db/driver"
)

// newMigrateCmd creates the migrate command
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Long: `Apply pending database migrations.

Opening the store runs migrations, so this command opens the
configured database, reports the result, and exits. Redis is not
touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			store, err := openStoreFromConfig(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}

// openStoreFromConfig opens the store for the configured driver. Migrations
// run as part of opening.
func openStoreFromConfig(cfg *config.Config) (*db.Store, error) {
	if cfg.Database.Driver == "postgres" {
		return db.OpenStoreWithDialect(cfg.Database.DSN, driver.DialectPostgres)
	}
	return db.OpenStore(cfg.Database.Path)
}
