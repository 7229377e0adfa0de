package main

import (
	"context"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(settleCmd)
}

var settleCmd = &cobra.Command{
	Use:   "settle CONSIGNMENT_ID",
	Short: "Settle a sold consignment now",
	Long: `Settle a sold consignment outside the sale worker. Settling a
consignment that is already settled prints the stored result and posts nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, d deps) error {
			res, err := d.Settlement.SettleSale(ctx, operator(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}
