package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/milepost/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the Milepost schema",
		Long:  "Creates or updates every Milepost table and index in the configured database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := db.AutoMigrate(a.db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables (%s)\n", len(db.AllModels()), a.cfg.Database.Driver)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Milepost config file")
	return cmd
}
