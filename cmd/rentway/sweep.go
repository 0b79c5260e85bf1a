package main

import (
	"context"

	billingdomain "github.com/smallbiznis/rentway/internal/billing/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newSweepOverdueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-overdue",
		Short: "Move bills past their due date to OVERDUE",
		Long:  `Mark pending bills past their due date as OVERDUE and return overdue bills whose due date moved into the future to PENDING.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc billingdomain.Service
			return runOnce(cmd.Context(), func(ctx context.Context) error {
				result, err := svc.SweepOverdue(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			}, fx.Populate(&svc))
		},
	}
}
