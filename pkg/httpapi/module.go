// Package httpapi mounts the operational endpoints and owns the prometheus
// registry that service modules contribute collectors to.
package httpapi

import (
	"errors"

	"consignment-ledger/pkg/health"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

// Collectors annotates a func returning []prometheus.Collector so its result
// joins the registry, e.g. fx.Provide(httpapi.Collectors(ledger.Collectors)).
func Collectors(f any) any {
	return fx.Annotate(f, fx.ResultTags(`group:"collectors,flatten"`))
}

var Module = fx.Module("httpapi",
	fx.Provide(NewRegistry),
	fx.Invoke(
		registerHealthEndpoint,
		registerMetricsEndpoint,
	),
)

type registryParams struct {
	fx.In
	Collectors []prometheus.Collector `group:"collectors"`
}

// NewRegistry collects the service metrics. The process, Go runtime and gorm
// pool metrics stay on the default registry and are served alongside.
func NewRegistry(p registryParams) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range p.Collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}
	return reg, nil
}

func registerHealthEndpoint(r *gin.Engine, h health.HealthService) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
}

func registerMetricsEndpoint(r *gin.Engine, reg *prometheus.Registry) {
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, reg}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})))
}
