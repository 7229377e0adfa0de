package ledger

import (
	"consignment-ledger/pkg/httpapi"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.module",
	fx.Provide(
		NewService,
		httpapi.Collectors(Collectors),
	),
)

var Routes = fx.Module("ledger.routes",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) {
		h.Register(r)
	}),
)
