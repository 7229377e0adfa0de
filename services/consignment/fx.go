package consignment

import (
	"consignment-ledger/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("consignment.module",
	fx.Provide(
		NewService,
		httpapi.Collectors(Collectors),
	),
)
