package commission

import (
	"consignment-ledger/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("commission.module",
	fx.Provide(
		NewService,
		httpapi.Collectors(Collectors),
	),
)
