package settlement

import (
	"consignment-ledger/pkg/errutil"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_total",
		Help: "Settlement attempts by outcome.",
	}, []string{"outcome"})
	profitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settlement_profit_amount_total",
		Help: "Profit settled, in currency units.",
	})
	commissionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settlement_commission_amount_total",
		Help: "Commission paid by settlements, in currency units.",
	})
	settleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_task_duration_seconds",
		Help:    "Time spent handling one sale event.",
		Buckets: prometheus.DefBuckets,
	})
)

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{settlementsTotal, profitTotal, commissionTotal, settleDuration}
}

func outcomeLabel(err error) string {
	return string(errutil.StatusOf(err))
}
