package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "rentway",
		Short:         "Rentway utility billing engine",
		Long:          `Rentway turns meter readings into bills and keeps billing data consistent. Run the HTTP API with serve, or operate on the database directly with the other commands.`,
		SilenceUsage:  true,
	}

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newCheckCommand(),
		newRepairCommand(),
		newSweepOverdueCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
