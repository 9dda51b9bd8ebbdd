package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/parley/internal/store/postgres"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate up|down|status",
	Short: "Run PostgreSQL schema migrations",
	Long: `Apply, roll back or inspect the embedded PostgreSQL migrations.

Only meaningful with store.driver=postgres. The DSN comes from
postgres.dsn or DATABASE_URL.

Examples:
  parley migrate up
  parley migrate status`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		if cfg.Store.Driver != "postgres" {
			return fmt.Errorf("migrations require store.driver=postgres, got %q", cfg.Store.Driver)
		}
		dir := postgres.MigrateDirection(args[0])
		if err := postgres.Migrate(cmd.Context(), cfg.Postgres.DSN.Value(), dir); err != nil {
			return fmt.Errorf("migrate %s: %w", dir, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", dir)
		return nil
	},
}
