package main

import (
	"log"

	"consignment-ledger/pkg/config"
	"consignment-ledger/pkg/db"
	"consignment-ledger/pkg/health"
	"consignment-ledger/pkg/httpapi"
	"consignment-ledger/pkg/logger"
	"consignment-ledger/pkg/minio"
	"consignment-ledger/pkg/otelcol"
	"consignment-ledger/pkg/profiling"
	"consignment-ledger/pkg/redis"
	"consignment-ledger/pkg/sequence"
	"consignment-ledger/pkg/server"
	"consignment-ledger/pkg/settings"
	"consignment-ledger/pkg/task"
	"consignment-ledger/services/commission"
	"consignment-ledger/services/consignment"
	"consignment-ledger/services/coupon"
	"consignment-ledger/services/ledger"
	"consignment-ledger/services/reconcile"
	"consignment-ledger/services/referral"
	"consignment-ledger/services/settlement"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		settings.Module,
		sequence.Module,
		minio.Module,
		task.Client,
		task.Server,
		fx.Provide(provideSnowflakeNode),
		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,

		referral.Module,
		ledger.Module,
		ledger.Routes,
		coupon.Module,
		coupon.Worker,
		consignment.Module,
		commission.Module,
		settlement.Module,
		settlement.Worker,
		reconcile.Module,
		reconcile.Worker,
		reconcile.Schedule,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})

func provideSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
