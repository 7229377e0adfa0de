package commission

import (
	"consignment-ledger/services/ledger"

	"github.com/prometheus/client_golang/prometheus"
)

var payoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "commission_payouts_total",
	Help: "Planned commission payouts by kind and outcome.",
}, []string{"kind", "outcome"})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{payoutsTotal}
}

func kindLabel(businessType string) string {
	if ledger.IsTeamCommission(businessType) {
		return "team"
	}
	return businessType
}
