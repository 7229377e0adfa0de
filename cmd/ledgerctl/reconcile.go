package main

import (
	"context"
	"fmt"
	"strings"

	"consignment-ledger/services/reconcile"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Bool("execute", false, "write fixes instead of only reporting them")
	reconcileCmd.Flags().Int("limit", 0, "examine at most this many groups or consignments")
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [JOB|all]",
	Short: "Find and repair ledger inconsistencies",
	Long: fmt.Sprintf(`Run one reconciliation job, or all of them in order. Without
--execute the run is a dry run and changes nothing.

Jobs: %s`, strings.Join(reconcile.Jobs, ", ")),
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		execute, _ := cmd.Flags().GetBool("execute")
		limit, _ := cmd.Flags().GetInt("limit")
		opts := reconcile.RunOptions{DryRun: !execute, Operator: operator(), Limit: limit}

		job := "all"
		if len(args) == 1 {
			job = args[0]
		}

		return withApp(cmd, func(ctx context.Context, d deps) error {
			if job == "all" {
				reports, err := d.Reconcile.RunAll(ctx, opts)
				if perr := printJSON(cmd, reports); perr != nil {
					return perr
				}
				return err
			}

			report, err := d.Reconcile.Run(ctx, job, opts)
			if report != nil {
				if perr := printJSON(cmd, report); perr != nil {
					return perr
				}
			}
			return err
		})
	},
}
