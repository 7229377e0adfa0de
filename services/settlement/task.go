package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"consignment-ledger/pkg/actor"
	"consignment-ledger/pkg/task"
	"consignment-ledger/pkg/taskname"
	"consignment-ledger/services/consignment"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type SoldPayload struct {
	ConsignmentID string          `json:"consignment_id"`
	SoldPrice     decimal.Decimal `json:"sold_price"`
	SoldAt        time.Time       `json:"sold_at"`
}

// NewConsignmentSoldTask builds the sale event task. The task id makes a
// second enqueue of the same sale a no-op while the first is retained.
func NewConsignmentSoldTask(p SoldPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.ConsignmentSold, payload,
		asynq.Queue("critical"),
		asynq.TaskID("sale:"+p.ConsignmentID),
		asynq.MaxRetry(10),
		asynq.Retention(24*time.Hour)), nil
}

func HandleConsignmentSold(svc *Service) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		defer func() { settleDuration.Observe(time.Since(start).Seconds()) }()

		var p SoldPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode %s payload: %w: %w", t.Type(), err, asynq.SkipRetry)
		}

		res, err := svc.HandleSaleEvent(ctx, actor.System("sale-worker"), consignment.SaleEvent{
			ConsignmentID: p.ConsignmentID,
			SoldPrice:     p.SoldPrice,
			SoldAt:        p.SoldAt,
		})
		if err != nil {
			zap.L().Error("sale event failed", zap.String("consignment_id", p.ConsignmentID), zap.Error(err))
			return task.Permanent(err)
		}

		zap.L().Info("sale event handled",
			zap.String("consignment_id", p.ConsignmentID),
			zap.Bool("already_settled", res.AlreadySettled),
		)
		return nil
	}
}
