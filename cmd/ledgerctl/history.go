package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"consignment-ledger/pkg/db/pagination"
	"consignment-ledger/services/ledger"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(historyCmd, verifyCmd)
	historyCmd.Flags().Int("limit", 20, "entries per page")
	historyCmd.Flags().String("cursor", "", "page cursor from a previous call")
	historyCmd.Flags().StringSlice("type", nil, "business types to include")
	historyCmd.Flags().StringSlice("field", nil, "balance fields to include")
}

var historyCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "Show a user's ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")
		types, _ := cmd.Flags().GetStringSlice("type")
		fieldNames, _ := cmd.Flags().GetStringSlice("field")

		fields := make([]ledger.Field, 0, len(fieldNames))
		for _, f := range fieldNames {
			fields = append(fields, ledger.Field(f))
		}

		return withApp(cmd, func(ctx context.Context, d deps) error {
			page, err := d.Ledger.GetLedgerHistory(ctx, args[0], ledger.HistoryFilter{
				BusinessTypes: types,
				Fields:        fields,
				Pagination:    pagination.Pagination{Cursor: cursor, Limit: limit},
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tFIELD\tDELTA\tAFTER\tBUSINESS\tBATCH\tOPERATOR")
			for _, e := range page.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s/%s\t%s\t%s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"), e.Field,
					e.Delta.StringFixed(2), e.After.StringFixed(2),
					e.BusinessType, e.BusinessID, e.BatchNo, e.Operator)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if page.PageInfo.HasMore {
				fmt.Fprintf(cmd.OutOrStdout(), "\nnext: --cursor %s\n", page.PageInfo.NextCursor)
			}
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify USER_ID",
	Short: "Verify a user's ledger hash chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, d deps) error {
			report, err := d.Ledger.VerifyChain(ctx, args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			return report.Err()
		})
	},
}
