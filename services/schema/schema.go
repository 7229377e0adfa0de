// Package schema lists every persisted model so one call migrates the whole
// database.
package schema

import (
	"consignment-ledger/pkg/settings"
	"consignment-ledger/services/consignment"
	"consignment-ledger/services/coupon"
	"consignment-ledger/services/ledger"
	"consignment-ledger/services/reconcile"
	"consignment-ledger/services/referral"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

func Models() []any {
	return []any{
		&settings.SystemConfig{},
		&referral.Member{},
		&ledger.Account{},
		&ledger.LedgerEntry{},
		&coupon.PriceZone{},
		&coupon.Coupon{},
		&coupon.Purchase{},
		&consignment.Holding{},
		&consignment.Consignment{},
		&reconcile.JobRun{},
	}
}

func Migrate(db *gorm.DB) error {
	models := Models()
	if err := db.AutoMigrate(models...); err != nil {
		zap.L().Error("schema migration failed", zap.Error(err))
		return err
	}
	zap.L().Info("schema migrated", zap.Int("models", len(models)))
	return nil
}
