package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/rentway/internal/migration"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  `Apply the embedded SQL migrations on postgres, or auto-migrate the models on other dialects.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var conn *gorm.DB
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				if err := migration.Migrate(conn.WithContext(ctx)); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return err
			}, fx.Populate(&conn))
		},
	}
}
