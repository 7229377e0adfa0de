// Command ledgerctl is the operator CLI: schema migration, manual settlement,
// ledger inspection and reconciliation runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/config"
	"consignment-ledger/pkg/db"
	"consignment-ledger/pkg/logger"
	"consignment-ledger/pkg/redis"
	"consignment-ledger/pkg/sequence"
	"consignment-ledger/pkg/settings"
	"consignment-ledger/services/commission"
	"consignment-ledger/services/consignment"
	"consignment-ledger/services/coupon"
	"consignment-ledger/services/ledger"
	"consignment-ledger/services/reconcile"
	"consignment-ledger/services/referral"
	"consignment-ledger/services/settlement"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var (
	configPath string
	operatorID string
)

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Operate the consignment settlement ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			os.Setenv("CONFIG_PATH", configPath)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory holding config.yaml")
	rootCmd.PersistentFlags().StringVar(&operatorID, "operator", "ledgerctl", "operator id recorded on every write")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func operator() actor.Actor {
	return actor.Admin(operatorID)
}

type deps struct {
	fx.In
	DB         *gorm.DB
	Ledger     *ledger.Service
	Coupons    *coupon.Service
	Settlement *settlement.Service
	Reconcile  *reconcile.Service
}

// withApp builds the service graph without any server or worker, runs fn and
// tears the graph down again.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, d deps) error) error {
	var d deps
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		settings.Module,
		sequence.Module,
		fx.Provide(func(cfg *config.Config) (*snowflake.Node, error) {
			return snowflake.NewNode(cfg.NodeID)
		}),
		referral.Module,
		ledger.Module,
		coupon.Module,
		consignment.Module,
		commission.Module,
		settlement.Module,
		reconcile.Module,
		fx.Invoke(func(p deps) { d = p }),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		_ = app.Stop(context.Background())
	}()

	return fn(ctx, d)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
