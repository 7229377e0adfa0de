package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_runs_total",
		Help: "Reconciliation runs by job and final status.",
	}, []string{"job", "status"})
	findingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_findings_total",
		Help: "Reconciliation findings by job and whether they were fixed.",
	}, []string{"job", "fixed"})
)

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{runsTotal, findingsTotal}
}
