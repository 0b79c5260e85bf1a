package main

import (
	"context"
	"fmt"

	consistencydomain "github.com/smallbiznis/rentway/internal/consistency/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newCheckCommand() *cobra.Command {
	var failOnIssues bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the consistency checks",
		Long:  `Run every consistency check, store the report as the latest one and print it. Nothing is modified.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc consistencydomain.Service
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				report, err := svc.RunCheck(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if failOnIssues && report.Summary.TotalIssues > 0 {
					return fmt.Errorf("consistency check found %d issues", report.Summary.TotalIssues)
				}
				return nil
			}, fx.Populate(&svc))
		},
	}

	cmd.Flags().BoolVar(&failOnIssues, "fail-on-issues", false, "Exit non-zero when any issue is found")

	return cmd
}
