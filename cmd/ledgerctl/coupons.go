package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(couponsCmd)
	couponsCmd.AddCommand(couponsExpireCmd)
}

var couponsCmd = &cobra.Command{
	Use:   "coupons",
	Short: "Manage consignment coupons",
}

var couponsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire every unused coupon past its expiry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, d deps) error {
			n, err := d.Coupons.ExpireCoupons(ctx, operator(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d coupons\n", n)
			return nil
		})
	},
}
