package consignment

import "github.com/prometheus/client_golang/prometheus"

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "consignment_transitions_total",
	Help: "Consignment state transitions by target state.",
}, []string{"state"})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{transitions}
}
