package main

import (
	"github.com/spf13/cobra"

	"github.com/jcovali/pgsync/internal/store"
)

var downgradeSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage metadata database migrations",
}

var migrateUpgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return store.MigrateUp(cfg.Database.URL, logger)
	},
}

var migrateDowngradeCmd = &cobra.Command{
	Use:   "downgrade",
	Short: "Roll back migrations",
	Long:  `Downgrade rolls back --steps migrations, or everything when --steps is omitted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return store.MigrateDown(cfg.Database.URL, downgradeSteps, logger)
	},
}

func init() {
	migrateDowngradeCmd.Flags().IntVar(&downgradeSteps, "steps", 0, "Number of migrations to roll back (0 = all)")
	migrateCmd.AddCommand(migrateUpgradeCmd, migrateDowngradeCmd)
	rootCmd.AddCommand(migrateCmd)
}
