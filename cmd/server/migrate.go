package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Corphon/AIShowrunner/internal/storage"
)

var migrateDatabaseURL string

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "Apply Postgres schema migrations for the section store",
	GroupID: "tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := migrateDatabaseURL
		if url == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			url = cfg.DatabaseURL
		}
		if url == "" {
			return fmt.Errorf("DATABASE_URL or --database-url is required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		if err := storage.MigratePostgres(ctx, url); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✅ migrations applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDatabaseURL, "database-url", "", "Postgres URL (defaults to DATABASE_URL)")
}
