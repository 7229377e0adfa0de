package settlement

import (
	"consignment-ledger/pkg/httpapi"
	"consignment-ledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement.module",
	fx.Provide(
		NewService,
		httpapi.Collectors(Collectors),
	),
)

var Worker = fx.Module("settlement.worker",
	fx.Invoke(func(mux *asynq.ServeMux, svc *Service) {
		mux.HandleFunc(taskname.ConsignmentSold, HandleConsignmentSold(svc))
	}),
)
