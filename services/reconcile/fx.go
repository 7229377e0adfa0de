package reconcile

import (
	"consignment-ledger/pkg/httpapi"
	"consignment-ledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile.module",
	fx.Provide(
		NewService,
		NewRedisLocker,
		NewArchiver,
		httpapi.Collectors(Collectors),
	),
)

var Worker = fx.Module("reconcile.worker",
	fx.Invoke(func(mux *asynq.ServeMux, svc *Service) {
		mux.HandleFunc(taskname.ReconcileRun, HandleRun(svc))
	}),
)

var Schedule = fx.Module("reconcile.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)
