package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	postingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_postings_total",
		Help: "Ledger entries written, by business type and balance field.",
	}, []string{"business_type", "field"})
	postingsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_postings_rejected_total",
		Help: "Postings refused by the balance bounds.",
	}, []string{"reason"})
	postingsSaturated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_postings_saturated_total",
		Help: "Postings clamped to the balance bounds.",
	})
)

// Collectors lists the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{postingsTotal, postingsRejected, postingsSaturated}
}

// team commission levels collapse into one label value
func metricBusinessType(businessType string) string {
	if IsTeamCommission(businessType) {
		return "team_commission"
	}
	return businessType
}
