package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and create the vector collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStores(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.db.Migrate(ctx); err != nil {
			return err
		}
		if err := s.idx.EnsureCollections(ctx); err != nil {
			return fmt.Errorf("ensure collections: %w", err)
		}

		applied, err := s.db.MigrationsApplied(ctx)
		if err != nil {
			return err
		}
		return printResult(cmd, map[string]any{"applied": applied},
			"schema at "+strings.Join(applied, ", "))
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
