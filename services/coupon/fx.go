package coupon

import (
	"consignment-ledger/pkg/httpapi"
	"consignment-ledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("coupon.module",
	fx.Provide(
		NewService,
		httpapi.Collectors(Collectors),
	),
)

var Worker = fx.Module("coupon.worker",
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.CollectionPurchased, HandleCollectionPurchased(svc))
	mux.HandleFunc(taskname.CouponExpirySweep, HandleExpirySweep(svc))
}
