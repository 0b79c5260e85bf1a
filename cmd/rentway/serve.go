package main

import (
	"github.com/smallbiznis/rentway/internal/migration"
	"github.com/smallbiznis/rentway/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newServeCommand() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  `Apply pending migrations and serve the billing, meter and consistency API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []fx.Option{coreOptions()}
			if !skipMigrations {
				opts = append(opts, migration.Module)
			}
			opts = append(opts, server.Module)

			app := fx.New(opts...)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Start without applying migrations")

	return cmd
}
