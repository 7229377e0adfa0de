package main

import (
	"context"

	"consignment-ledger/services/schema"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update every table and index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, d deps) error {
			return schema.Migrate(d.DB.WithContext(ctx))
		})
	},
}
