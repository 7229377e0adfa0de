package coupon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/task"
	"consignment-ledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type PurchasedPayload struct {
	EventID   string          `json:"event_id"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	ZoneID    string          `json:"zone_id"`
	ItemPrice decimal.Decimal `json:"item_price"`
}

func NewCollectionPurchasedTask(p PurchasedPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.CollectionPurchased, payload,
		asynq.Queue("default"),
		asynq.TaskID("purchase:"+p.EventID),
		asynq.MaxRetry(10)), nil
}

func NewExpirySweepTask() *asynq.Task {
	return asynq.NewTask(taskname.CouponExpirySweep, nil,
		asynq.Queue("low"),
		asynq.Unique(time.Hour))
}

func HandleCollectionPurchased(svc *Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p PurchasedPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode %s payload: %w: %w", t.Type(), err, asynq.SkipRetry)
		}

		res, err := svc.HandlePurchase(ctx, actor.System("purchase-worker"), PurchaseEvent{
			EventID:   p.EventID,
			UserID:    p.UserID,
			SessionID: p.SessionID,
			ZoneID:    p.ZoneID,
			ItemPrice: p.ItemPrice,
		})
		if err != nil {
			return task.Permanent(err)
		}

		fields := []zap.Field{
			zap.String("event_id", p.EventID),
			zap.String("user_id", p.UserID),
			zap.Bool("duplicate", res.Duplicate),
			zap.Bool("upgraded", res.Upgraded),
		}
		if res.Coupon != nil {
			fields = append(fields, zap.String("coupon_id", res.Coupon.ID), zap.Bool("deduplicated", res.Deduplicated))
		}
		zap.L().Info("purchase event handled", fields...)
		return nil
	}
}

func HandleExpirySweep(svc *Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		_, err := svc.ExpireCoupons(ctx, actor.Job("coupon_expiry_sweep"), time.Now())
		return err
	}
}
