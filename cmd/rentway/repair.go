package main

import (
	"context"
	"fmt"

	auditdomain "github.com/smallbiznis/rentway/internal/audit/domain"
	consistencydomain "github.com/smallbiznis/rentway/internal/consistency/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newRepairCommand() *cobra.Command {
	var (
		issueIDs []string
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Repair consistency issues",
		Long:  `Run a fresh consistency check and repair every issue it finds, or only the issues named with --issue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc consistencydomain.Service
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				result, err := svc.RunRepair(ctx, consistencydomain.RepairRequest{
					IssueIDs: issueIDs,
					Options: consistencydomain.RepairOptions{
						DryRun: dryRun,
						Actor:  string(auditdomain.ActorTypeCLI),
					},
				})
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if result.FailedIssues > 0 {
					return fmt.Errorf("%d repairs failed", result.FailedIssues)
				}
				return nil
			}, fx.Populate(&svc))
		},
	}

	cmd.Flags().StringSliceVar(&issueIDs, "issue", nil, "Issue id to repair, repeatable")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Evaluate repairs and roll every change back")

	return cmd
}
